package console

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"docvm/pkg/logger"
)

// BlockList holds client IPs the console refuses. It is safe for concurrent
// use.
type BlockList struct {
	mu      sync.RWMutex
	blocked map[string]bool
}

func NewBlockList(ips ...string) *BlockList {
	b := &BlockList{blocked: make(map[string]bool, len(ips))}
	for _, ip := range ips {
		if ip = strings.TrimSpace(ip); ip != "" {
			b.blocked[ip] = true
		}
	}
	return b
}

// LoadFile adds one IP per line from path. Blank lines and lines starting
// with # are skipped.
func (b *BlockList) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("console: block list: %w", err)
	}
	defer f.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ip := strings.TrimSpace(sc.Text())
		if ip != "" && !strings.HasPrefix(ip, "#") {
			b.blocked[ip] = true
		}
	}
	return sc.Err()
}

func (b *BlockList) IsBlocked(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.blocked[ip]
}

func (b *BlockList) Add(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[ip] = true
	logger.Log.Warn("console: ip blocked", "ip", ip)
}

func (b *BlockList) Remove(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blocked, ip)
	logger.Log.Info("console: ip unblocked", "ip", ip)
}

// Middleware rejects blocked clients with 403. Only RemoteAddr is trusted;
// forwarding headers are ignored.
func (b *BlockList) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if b.IsBlocked(ip) {
			logger.Log.Warn("console: request blocked", "ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "access denied", Kind: "blocked"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type subjectKey struct{}

// Subject returns the "sub" claim of the bearer token that authorized the
// request, or "" when auth is disabled.
func Subject(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// BearerAuth requires an HS256 JWT signed with secret in the Authorization
// header.
func BearerAuth(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	keyFunc := func(*jwt.Token) (interface{}, error) { return key, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || tokenString == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token", Kind: "unauthorized"})
				return
			}

			token, err := jwt.Parse(tokenString, keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				logger.Log.Debug("console: token rejected", "error", err)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token", Kind: "unauthorized"})
				return
			}

			sub, _ := token.Claims.GetSubject()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
		})
	}
}
