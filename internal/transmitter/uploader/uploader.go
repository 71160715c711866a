// Package uploader sends signed files to an edge node as multipart/form-data
// over mutually authenticated TLS, with the vehicle's own certificate as the
// client certificate.
package uploader

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"cloupeer.io/transmitter/internal/transmitter/edge"
	"cloupeer.io/transmitter/internal/transmitter/identity"
	"cloupeer.io/transmitter/internal/transmitter/keystore"
	"cloupeer.io/transmitter/internal/transmitter/registry"
	"cloupeer.io/transmitter/pkg/log"
)

const (
	fileField      = "file"
	signatureField = "signature"

	// maxLoggedBody caps how much of a response body is kept for logs.
	maxLoggedBody = 4 << 10
)

// Part is one file and its detached signature.
type Part struct {
	Name      string
	Path      string
	Signature []byte
}

// Result describes one request.
type Result struct {
	Outcome  Outcome
	Status   int
	Body     string
	Err      error
	Duration time.Duration
}

// Uploader keeps one HTTP client per vehicle so TLS sessions and idle
// connections are reused across cycles.
type Uploader struct {
	keys    *keystore.Cache
	timeout time.Duration

	mu      sync.Mutex
	clients map[identity.VehicleID]*http.Client
}

// New returns an Uploader whose requests time out after timeout.
func New(keys *keystore.Cache, timeout time.Duration) *Uploader {
	if keys == nil {
		keys = keystore.NewCache()
	}
	return &Uploader{
		keys:    keys,
		timeout: timeout,
		clients: make(map[identity.VehicleID]*http.Client),
	}
}

// Client returns the mTLS client of cert's vehicle, building it on first use.
func (u *Uploader) Client(cert registry.VehicleCertificate) (*http.Client, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c, ok := u.clients[cert.ID]; ok {
		return c, nil
	}

	entry, err := u.keys.Entry(cert.KeyStore, cert.KeyPassword, cert.KeyAlias)
	if err != nil {
		return nil, fmt.Errorf("vehicle %s client certificate: %w", cert.ID, err)
	}
	roots, err := u.keys.TrustPool(cert.TrustStore, cert.TrustStorePassword)
	if err != nil {
		return nil, fmt.Errorf("vehicle %s trust store: %w", cert.ID, err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{entry.TLSCertificate()},
			RootCAs:      roots,
			MinVersion:   tls.VersionTLS12,
		},
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 2,
	}
	c := &http.Client{
		Transport: transport,
		Timeout:   u.timeout,
		// A redirect is the edge's answer; it is classified, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	u.clients[cert.ID] = c
	return c, nil
}

// Send uploads parts to target in one request. The error return is reserved
// for failures before anything is sent, such as unreadable key material;
// everything after that is reported through Result.
func (u *Uploader) Send(ctx context.Context, target edge.Target, cert registry.VehicleCertificate, parts []Part) (Result, error) {
	client, err := u.Client(cert)
	if err != nil {
		return Result{}, err
	}

	body, contentType := multipartBody(parts)
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, body)
	if err != nil {
		return Result{}, fmt.Errorf("build request to %s: %w", target, err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Result{Outcome: TransportError, Err: err, Duration: time.Since(start)}, nil
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	res := Result{
		Outcome:  Classify(resp.StatusCode),
		Status:   resp.StatusCode,
		Body:     string(snippet),
		Duration: time.Since(start),
	}
	if res.Outcome == TransportError {
		res.Err = fmt.Errorf("unexpected status %s", resp.Status)
	}
	log.Debug("Edge response", "vehicleID", cert.ID, "edge", target.Name, "status", res.Status, "body", res.Body)
	return res, nil
}

// multipartBody streams parts as multipart/form-data. Each file is followed
// by its signature, both as application/octet-stream.
func multipartBody(parts []Part) (io.ReadCloser, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeParts(mw, parts))
	}()
	return pr, mw.FormDataContentType()
}

func writeParts(mw *multipart.Writer, parts []Part) error {
	for _, p := range parts {
		fw, err := mw.CreateFormFile(fileField, p.Name)
		if err != nil {
			return err
		}
		if err := copyFile(fw, p.Path); err != nil {
			return err
		}

		sw, err := mw.CreateFormFile(signatureField, signatureField)
		if err != nil {
			return err
		}
		if _, err := sw.Write(p.Signature); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
