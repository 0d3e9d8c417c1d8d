package pki

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoadRootCertificates reads every *.pem file in dirPath into one pool.
// Files that cannot be read or hold no certificate are skipped.
func LoadRootCertificates(dirPath string) (*x509.CertPool, error) {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %s, err: %w", dirPath, err)
	}

	roots := x509.NewCertPool()
	loaded := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}
		filePath := filepath.Join(dirPath, file.Name())
		data, err := os.ReadFile(filePath)
		if err != nil {
			logrus.WithError(err).WithField("file", filePath).Warn("failed to read root certificate")
			continue
		}
		if ok := roots.AppendCertsFromPEM(data); !ok {
			logrus.WithField("file", filePath).Warn("failed to load pem")
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return nil, fmt.Errorf("no root certificates found in %s", dirPath)
	}
	return roots, nil
}

// LoadCertificateChain reads every CERTIFICATE block of a PEM file, leaf first.
func LoadCertificateChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %s, err: %w", path, err)
	}
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return chain, nil
}

// LoadECDSAPrivateKey reads an "EC PRIVATE KEY" PEM file.
func LoadECDSAPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// WritePrivateKeyPEM writes key as an "EC PRIVATE KEY" PEM file.
func WritePrivateKeyPEM(key *ecdsa.PrivateKey, path string) error {
	derBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return writePEM(path, &pem.Block{Type: "EC PRIVATE KEY", Bytes: derBytes})
}

// WriteCertificatePEM writes cert as a "CERTIFICATE" PEM file.
func WriteCertificatePEM(cert *x509.Certificate, path string) error {
	return writePEM(path, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func writePEM(path string, block *pem.Block) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return pem.Encode(file, block)
}
