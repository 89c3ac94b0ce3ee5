package wa

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	qrcode "github.com/skip2/go-qrcode"
)

const qrImageSize = 512

// QRRenderer writes pairing challenges as PNG files, one per device, and
// returns the web path they are served under. A new challenge for the same
// device overwrites the previous artifact.
type QRRenderer struct {
	dir     string
	webBase string
}

// NewQRRenderer creates a renderer writing into dir. Artifacts are
// referenced as webBase/<device_key>.png.
func NewQRRenderer(dir, webBase string) (*QRRenderer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create qr directory: %w", err)
	}
	return &QRRenderer{dir: dir, webBase: webBase}, nil
}

// Render encodes the challenge and returns its web reference.
func (r *QRRenderer) Render(deviceKey, code string) (string, error) {
	name := deviceKey + ".png"
	file := filepath.Join(r.dir, name)
	if err := qrcode.WriteFile(code, qrcode.Medium, qrImageSize, file); err != nil {
		return "", fmt.Errorf("write qr image: %w", err)
	}
	return path.Join(r.webBase, name), nil
}

// Remove deletes the device's challenge artifact if one exists.
func (r *QRRenderer) Remove(deviceKey string) error {
	err := os.Remove(filepath.Join(r.dir, deviceKey+".png"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove qr image: %w", err)
	}
	return nil
}

// Dir returns the artifact directory for static serving.
func (r *QRRenderer) Dir() string {
	return r.dir
}
