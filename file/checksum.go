package file

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// ChecksumAlgorithm names the digest produced by Checksum.
const ChecksumAlgorithm = "BLAKE2B-256"

// Checksum returns the hex encoded BLAKE2b-256 digest of a stored file.
func (m *Manager) Checksum(name string) (string, error) {
	if _, err := m.StatSize(name); err != nil {
		return "", err
	}
	path, err := m.ResolvePath(name)
	if err != nil {
		return "", err
	}
	return ChecksumFile(path)
}

// ChecksumFile returns the hex encoded BLAKE2b-256 digest of any file.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
