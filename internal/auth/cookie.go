package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cookies writes the access token as one or more HTTP-only cookies. Tokens
// longer than ChunkSize are split across name_0, name_1, ...
type Cookies struct {
	Name      string
	Path      string
	SameSite  http.SameSite
	Secure    bool
	ChunkSize int
	MaxAge    time.Duration
}

// ParseSameSite maps the configured value to an http.SameSite.
func ParseSameSite(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (c Cookies) chunkName(i int) string {
	return c.Name + "_" + strconv.Itoa(i)
}

func (c Cookies) cookie(name, value string, maxAge int) *http.Cookie {
	secure := c.Secure || c.SameSite == http.SameSiteNoneMode
	path := c.Path
	if path == "" {
		path = "/"
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: c.SameSite,
	}
}

// existingChunks counts the chunk cookies the request already carries.
func (c Cookies) existingChunks(r *http.Request) int {
	if r == nil {
		return 0
	}
	n := 0
	for {
		if _, err := r.Cookie(c.chunkName(n)); err != nil {
			return n
		}
		n++
	}
}

// Set writes token and clears any chunks left over from a longer token.
func (c Cookies) Set(w http.ResponseWriter, r *http.Request, token string) {
	size := c.ChunkSize
	if size <= 0 {
		size = len(token)
	}
	maxAge := int(c.MaxAge / time.Second)

	var chunks []string
	for len(token) > size {
		chunks = append(chunks, token[:size])
		token = token[size:]
	}
	chunks = append(chunks, token)

	for i, chunk := range chunks {
		http.SetCookie(w, c.cookie(c.chunkName(i), chunk, maxAge))
	}
	for i := len(chunks); i < c.existingChunks(r); i++ {
		http.SetCookie(w, c.cookie(c.chunkName(i), "", -1))
	}
}

// Read reassembles the token from the request cookies, or returns "".
func (c Cookies) Read(r *http.Request) string {
	var b strings.Builder
	for i := 0; ; i++ {
		ck, err := r.Cookie(c.chunkName(i))
		if err != nil {
			break
		}
		b.WriteString(ck.Value)
	}
	if b.Len() > 0 {
		return b.String()
	}
	if ck, err := r.Cookie(c.Name); err == nil {
		return ck.Value
	}
	return ""
}

// Clear expires every chunk the request carries.
func (c Cookies) Clear(w http.ResponseWriter, r *http.Request) {
	n := c.existingChunks(r)
	for i := 0; i < n; i++ {
		http.SetCookie(w, c.cookie(c.chunkName(i), "", -1))
	}
	if _, err := r.Cookie(c.Name); err == nil {
		http.SetCookie(w, c.cookie(c.Name, "", -1))
	}
}
