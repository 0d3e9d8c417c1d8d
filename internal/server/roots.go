package server

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kokukuma/mdoc-disclosure/pkg/pki"
	"github.com/kokukuma/mdoc-disclosure/verifier"
)

// DirRoots serves the trust anchors found in a directory of PEM files and
// can re-read them at runtime.
type DirRoots struct {
	mu   sync.RWMutex
	dir  string
	pool *x509.CertPool
}

var _ verifier.TrustAnchors = (*DirRoots)(nil)

type CertInfo struct {
	Filename    string `json:"filename"`
	Subject     string `json:"subject"`
	Issuer      string `json:"issuer"`
	ValidFrom   string `json:"valid_from"`
	ValidTo     string `json:"valid_to"`
	Fingerprint string `json:"fingerprint"`
}

func NewDirRoots(dir string) (*DirRoots, error) {
	d := &DirRoots{dir: dir}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DirRoots) Roots(ctx context.Context) (*x509.CertPool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pool, nil
}

// Reload replaces the pool. The old pool stays in use if loading fails.
func (d *DirRoots) Reload() error {
	pool, err := pki.LoadRootCertificates(d.dir)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pool = pool
	return nil
}

// List describes every certificate file of the directory.
func (d *DirRoots) List() ([]CertInfo, error) {
	files, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates directory: %w", err)
	}

	var certs []CertInfo
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Name(), err)
		}
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		fingerprint := sha256.Sum256(cert.Raw)
		certs = append(certs, CertInfo{
			Filename:    file.Name(),
			Subject:     cert.Subject.String(),
			Issuer:      cert.Issuer.String(),
			ValidFrom:   cert.NotBefore.Format(time.RFC3339),
			ValidTo:     cert.NotAfter.Format(time.RFC3339),
			Fingerprint: hex.EncodeToString(fingerprint[:]),
		})
	}
	return certs, nil
}
