package media

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testGIF(t *testing.T) []byte {
	t.Helper()
	img := image.NewPaletted(image.Rect(0, 0, 8, 8), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 3 {
		for y := 0; y < h; y += 3 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadGIFPassesThroughUntouched(t *testing.T) {
	data := testGIF(t)
	path := writeTempFile(t, "anim.gif", data)

	item, err := Load(path, DefaultImageTargetMb)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if item.Mime != "image/gif" {
		t.Errorf("mime = %q, want image/gif", item.Mime)
	}
	if !bytes.Equal(item.Data, data) {
		t.Error("gif bytes were reencoded")
	}
}

func TestLoadSmallImageKeepsOriginalBytes(t *testing.T) {
	data := testJPEG(t, 100, 80)
	path := writeTempFile(t, "small.jpg", data)

	item, err := Load(path, DefaultImageTargetMb)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(item.Data, data) {
		t.Error("small image was recompressed")
	}
}

func TestCompressImageResizesOversized(t *testing.T) {
	data := testJPEG(t, 3000, 2200)

	out, mime, err := CompressImage(data, DefaultImageTargetMb)
	if err != nil {
		t.Fatalf("CompressImage: %v", err)
	}
	if mime != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", mime)
	}

	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() > MaxDimension || bounds.Dy() > MaxDimension {
		t.Errorf("output %dx%d exceeds max side %d", bounds.Dx(), bounds.Dy(), MaxDimension)
	}
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		file string
		want string
	}{
		{"jpeg magic bytes", testJPEG(t, 10, 10), "x.bin", "image/jpeg"},
		{"gif magic bytes", testGIF(t), "x.bin", "image/gif"},
		{"extension fallback", []byte{0, 1, 2, 3}, "doc.pdf", "application/pdf"},
		{"default", []byte{0, 1, 2, 3}, "mystery", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sniff(tt.data, tt.file); got != tt.want {
				t.Errorf("Sniff = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitMediaFromOutput(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantText  string
		wantMedia []string
	}{
		{
			name:     "no media",
			in:       "just text",
			wantText: "just text",
		},
		{
			name:      "media line extracted",
			in:        "here you go\nMEDIA:./media/shot.png",
			wantText:  "here you go",
			wantMedia: []string{"./media/shot.png"},
		},
		{
			name:      "url media",
			in:        "MEDIA:https://example.com/cat.jpg\ncaption below",
			wantText:  "caption below",
			wantMedia: []string{"https://example.com/cat.jpg"},
		},
		{
			name:      "multiple media lines",
			in:        "MEDIA:a.png\nMEDIA:b.png",
			wantMedia: []string{"a.png", "b.png"},
		},
		{
			name:     "token with whitespace is not media",
			in:       "MEDIA: has spaces in it maybe",
			wantText: "MEDIA: has spaces in it maybe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMediaFromOutput(tt.in)
			if got.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tt.wantText)
			}
			if len(got.MediaURLs) != len(tt.wantMedia) {
				t.Fatalf("MediaURLs = %v, want %v", got.MediaURLs, tt.wantMedia)
			}
			for i := range tt.wantMedia {
				if got.MediaURLs[i] != tt.wantMedia[i] {
					t.Errorf("MediaURLs[%d] = %q, want %q", i, got.MediaURLs[i], tt.wantMedia[i])
				}
			}
		})
	}
}

func TestStoreResolveRefusesEscape(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.Resolve("../outside.txt"); err == nil {
		t.Error("traversal outside the cache was allowed")
	}
	if _, err := store.Resolve("inbound/ok.png"); err != nil {
		t.Errorf("legitimate relative ref rejected: %v", err)
	}
}
