package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"content-publisher/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Bounds is the largest image a platform accepts without server-side cropping.
type Bounds struct {
	Width  int
	Height int
}

// PlatformBounds holds the fit box per platform. Platforms not listed are staged at source size.
var PlatformBounds = map[string]Bounds{
	"instagram": {Width: 1080, Height: 1350},
	"twitter":   {Width: 4096, Height: 4096},
	"linkedin":  {Width: 7680, Height: 4320},
	"facebook":  {Width: 2048, Height: 2048},
}

// Stager fetches a media URL, fits it to the platform's bounds and re-hosts it at a public URL.
// Platforms such as Instagram pull media from a URL they can reach, so the content's
// original URL is not always usable.
type Stager struct {
	httpClient *http.Client
	uploader   uploader
	maxBytes   int64
}

// NewStager picks the S3 uploader when a bucket is configured, otherwise a local directory
// served under MediaPublicURL.
func NewStager(ctx context.Context, cfg config.Config) (*Stager, error) {
	timeout := cfg.MediaFetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.MediaMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}

	var up uploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket, publicURL: cfg.MediaPublicURL}
	} else {
		baseDir := cfg.MediaOutputDir
		if baseDir == "" {
			baseDir = "./media"
		}
		up = &localUploader{baseDir: baseDir, publicURL: cfg.MediaPublicURL}
	}

	return &Stager{
		httpClient: &http.Client{Timeout: timeout},
		uploader:   up,
		maxBytes:   maxBytes,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.MediaS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.MediaS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.MediaS3Endpoint)
		}
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// Stage returns the public URL of the fitted copy of sourceURL. key must be unique per job
// and media item; staging the same key twice overwrites the previous copy.
func (s *Stager) Stage(ctx context.Context, platform, key, sourceURL string) (string, error) {
	data, contentType, err := s.download(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	if b, ok := PlatformBounds[platform]; ok {
		size := img.Bounds().Size()
		if size.X > b.Width || size.Y > b.Height {
			img = imaging.Fit(img, b.Width, b.Height, imaging.Lanczos)
		}
	}

	outputFormat := chooseFormat(format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	objectKey := sanitizeKey(fmt.Sprintf("%s/%s.%s", platform, key, formatExtension(outputFormat)))
	url, err := s.uploader.Upload(ctx, objectKey, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return url, nil
}

func (s *Stager) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download media: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, "", fmt.Errorf("media too large (>%d bytes)", s.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimLeft(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir   string
	publicURL string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.publicURL == "" {
		return "", errors.New("MEDIA_PUBLIC_URL is required for local media staging")
	}
	return strings.TrimRight(l.publicURL, "/") + "/" + key, nil
}

type s3Uploader struct {
	client    *s3.Client
	bucket    string
	publicURL string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.publicURL != "" {
		return strings.TrimRight(s.publicURL, "/") + "/" + key, nil
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key), nil
}
