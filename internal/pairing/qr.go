package pairing

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skip2/go-qrcode"
)

const (
	// ImageSize is the edge length in pixels of rendered pairing codes.
	ImageSize = 256
	// FileName is the image WriteFile keeps current in its directory.
	FileName      = "qr.png"
	dataURLPrefix = "data:image/png;base64,"
)

// DataURL renders a pairing code as a PNG data URL.
func DataURL(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty pairing code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, ImageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// WriteFile renders a pairing code to dir/qr.png and returns the file path.
// Each rotation replaces the previous image.
func WriteFile(dir, code string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create qr dir: %w", err)
	}
	png, err := qrcode.Encode(code, qrcode.Medium, ImageSize*2)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, png, 0o644); err != nil {
		return "", fmt.Errorf("write qr: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write qr: %w", err)
	}
	return path, nil
}
