package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"

	// Register additional image formats for decode
	_ "image/gif"
	_ "image/png"
	_ "golang.org/x/image/webp"
)

// Quality levels to try (descending order)
var qualityLevels = []int{85, 75, 65, 55, 45, 35}

// Dimension levels to try if resizing is needed (descending order)
var dimensionLevels = []int{2048, 1800, 1600, 1400, 1200, 1000, 800}

// CompressImage recompresses an image as JPEG with max side MaxDimension,
// targeting targetMb (capped at the 6 MB hard limit). Images already
// within limits are returned unchanged with their sniffed mime type.
func CompressImage(data []byte, targetMb float64) ([]byte, string, error) {
	if targetMb <= 0 {
		targetMb = DefaultImageTargetMb
	}
	targetBytes := int(targetMb * 1024 * 1024)
	if targetBytes > MaxImageBytes {
		targetBytes = MaxImageBytes
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	// Already within limits: keep the original bytes.
	if width <= MaxDimension && height <= MaxDimension && len(data) <= targetBytes {
		return data, Sniff(data, ""), nil
	}

	var smallest []byte

	for _, targetDim := range dimensionLevels {
		if targetDim > MaxDimension {
			targetDim = MaxDimension
		}

		resized := img
		if width > targetDim || height > targetDim {
			resized = imaging.Fit(img, targetDim, targetDim, imaging.Lanczos)
		}

		for _, quality := range qualityLevels {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: quality}); err != nil {
				continue
			}
			encoded := buf.Bytes()

			if smallest == nil || len(encoded) < len(smallest) {
				smallest = encoded
			}
			if len(encoded) <= targetBytes {
				return encoded, "image/jpeg", nil
			}
		}
	}

	if smallest != nil && len(smallest) <= MaxImageBytes {
		return smallest, "image/jpeg", nil
	}
	return nil, "", fmt.Errorf("image could not be reduced below %.1fMB", targetMb)
}
