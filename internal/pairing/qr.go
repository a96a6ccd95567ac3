package pairing

import (
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// WriteQRFile renders the pairing URI as a PNG at the given path.
func WriteQRFile(content, filename string) error {
	return qrcode.WriteFile(content, qrcode.Medium, 256, filename)
}

// TerminalQR renders the pairing URI as a block-character QR code suitable
// for printing to a terminal. Dark modules are drawn as blank space on a
// light block background for scanner contrast.
func TerminalQR(content string) (string, error) {
	q, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}

	bitmap := q.Bitmap()

	var b strings.Builder
	b.WriteString("  ")
	for range bitmap[0] {
		b.WriteString("██")
	}
	b.WriteString("\n")

	for _, row := range bitmap {
		b.WriteString("██")
		for _, dark := range row {
			if dark {
				b.WriteString("  ")
			} else {
				b.WriteString("██")
			}
		}
		b.WriteString("██\n")
	}

	b.WriteString("  ")
	for range bitmap[0] {
		b.WriteString("██")
	}
	b.WriteString("\n")

	return b.String(), nil
}
