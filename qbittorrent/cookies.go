package qbittorrent

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
)

// sessionCache shares WebUI session cookies between clients for the same server
// and credentials, so a rebuilt client does not log in again.
var sessionCache = struct {
	sync.RWMutex
	cookies map[string][]*http.Cookie
}{cookies: make(map[string][]*http.Cookie)}

func sessionKey(baseURL, username, password string) string {
	sum := sha256.Sum256([]byte(baseURL + "\x00" + username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

func loadSession(key string) []*http.Cookie {
	sessionCache.RLock()
	defer sessionCache.RUnlock()
	return sessionCache.cookies[key]
}

func storeSession(key string, cookies []*http.Cookie) {
	sessionCache.Lock()
	defer sessionCache.Unlock()
	if len(cookies) == 0 {
		delete(sessionCache.cookies, key)
		return
	}
	sessionCache.cookies[key] = cookies
}
