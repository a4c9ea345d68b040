package sheets

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	sheetsScope       = "https://www.googleapis.com/auth/spreadsheets"
	defaultTokenURI   = "https://oauth2.googleapis.com/token"
	tokenExpirySlack  = 2 * time.Minute
	tokenRequestLimit = 10 * time.Second
)

// StaticTokenProvider returns the same token on every call. Useful for
// tests and for short-lived tokens injected by the environment.
func StaticTokenProvider(token string) TokenProvider {
	return func(ctx context.Context) (string, error) {
		if strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("sink token is empty")
		}
		return token, nil
	}
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// serviceCredential exchanges a service-account key for short-lived access
// tokens via the two-legged OAuth JWT grant, caching until near expiry.
type serviceCredential struct {
	mu         sync.Mutex
	key        serviceAccountKey
	signer     *rsa.PrivateKey
	httpClient *http.Client

	token   string
	expires time.Time
}

// ServiceAccountTokenProvider builds a TokenProvider from inline
// service-account JSON (the credential source the deploy environment
// injects directly).
func ServiceAccountTokenProvider(keyJSON []byte, httpClient *http.Client) (TokenProvider, error) {
	cred, err := newServiceCredential(keyJSON, httpClient)
	if err != nil {
		return nil, err
	}
	return cred.tokenFor, nil
}

func newServiceCredential(keyJSON []byte, httpClient *http.Client) (*serviceCredential, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(keyJSON, &key); err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	if key.ClientEmail == "" || key.PrivateKey == "" {
		return nil, fmt.Errorf("service account key missing client_email or private_key")
	}
	if key.TokenURI == "" {
		key.TokenURI = defaultTokenURI
	}
	signer, err := parseRSAPrivateKey(key.PrivateKey)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: tokenRequestLimit}
	}
	return &serviceCredential{key: key, signer: signer, httpClient: httpClient}, nil
}

func (c *serviceCredential) tokenFor(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if c.token != "" && now.Before(c.expires.Add(-tokenExpirySlack)) {
		return c.token, nil
	}

	assertion, err := c.signAssertion(now)
	if err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.key.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned no access token")
	}
	c.token = parsed.AccessToken
	c.expires = now.Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *serviceCredential) signAssertion(now time.Time) (string, error) {
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iss":   c.key.ClientEmail,
		"scope": sheetsScope,
		"aud":   c.key.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, c.signer, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign token assertion: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("service account private_key is not PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("service account key is not RSA")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse service account private key: %w", err)
	}
	return key, nil
}

// FileCredentialProvider reads a service-account key file and reloads it
// when the external rotation collaborator rewrites the file.
type FileCredentialProvider struct {
	path string

	mu   sync.Mutex
	cred *serviceCredential

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileCredentialProvider(path string) (*FileCredentialProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("credential file path is empty")
	}
	p := &FileCredentialProvider{path: path, done: make(chan struct{})}
	if err := p.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[sheets] credential watch unavailable: %v", err)
		return p, nil
	}
	// Watch the directory: rotation tooling typically replaces the file,
	// which drops a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		log.Printf("[sheets] credential watch unavailable: %v", err)
		return p, nil
	}
	p.watcher = watcher
	go p.watchLoop()
	return p, nil
}

func (p *FileCredentialProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	cred := p.cred
	p.mu.Unlock()
	if cred == nil {
		return "", fmt.Errorf("credential file %s not loaded", p.path)
	}
	return cred.tokenFor(ctx)
}

func (p *FileCredentialProvider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *FileCredentialProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}
	data = bytes.TrimSpace(data)
	cred, err := newServiceCredential(data, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.cred = cred
	p.mu.Unlock()
	return nil
}

func (p *FileCredentialProvider) watchLoop() {
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				log.Printf("[sheets] credential reload failed: %v", err)
				continue
			}
			log.Printf("[sheets] credential reloaded from %s", p.path)
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[sheets] credential watch error: %v", err)
		case <-p.done:
			return
		}
	}
}
