package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.cloudinary.com/v1_1"

// Client uploads images to Cloudinary using their REST API.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client

	now func() time.Time
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   defaultBaseURL,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// Image is one upload. PublicID may contain slashes to nest the asset.
type Image struct {
	PublicID string
	Data     []byte
	Tags     []string
}

// Asset is the subset of the upload response we keep.
type Asset struct {
	PublicID  string `json:"public_id"`
	Version   int64  `json:"version"`
	SecureURL string `json:"secure_url"`
	Bytes     int    `json:"bytes"`
}

// APIError is a non-2xx answer from the upload endpoint.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudinary: upload rejected (%d): %s", e.Status, e.Message)
}

// Upload sends img as a signed multipart request. Existing assets with the
// same public id are kept.
func (c *Client) Upload(ctx context.Context, img Image) (Asset, error) {
	params := c.params(img)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, k := range sortedKeys(params) {
		if err := w.WriteField(k, params[k]); err != nil {
			return Asset{}, fmt.Errorf("cloudinary: write field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("file", fileName(img.PublicID))
	if err != nil {
		return Asset{}, fmt.Errorf("cloudinary: create form file: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return Asset{}, fmt.Errorf("cloudinary: write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return Asset{}, fmt.Errorf("cloudinary: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), &buf)
	if err != nil {
		return Asset{}, fmt.Errorf("cloudinary: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("cloudinary: request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Asset{}, fmt.Errorf("cloudinary: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Asset{}, &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	var asset Asset
	if err := json.Unmarshal(body, &asset); err != nil {
		return Asset{}, fmt.Errorf("cloudinary: decode response: %w", err)
	}
	return asset, nil
}

func (c *Client) params(img Image) map[string]string {
	params := map[string]string{
		"timestamp": strconv.FormatInt(c.clock().Unix(), 10),
		"overwrite": "false",
	}
	if c.Folder != "" {
		params["folder"] = c.Folder
	}
	if img.PublicID != "" {
		params["public_id"] = img.PublicID
	}
	if len(img.Tags) > 0 {
		params["tags"] = strings.Join(img.Tags, ",")
	}
	params["signature"] = Sign(params, c.APISecret)
	params["api_key"] = c.APIKey
	return params
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/%s/image/upload", strings.TrimRight(c.BaseURL, "/"), c.CloudName)
}

func (c *Client) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}

// Sign computes the request signature: the non-empty signable params sorted
// by key, joined as k=v with '&', suffixed with the secret and SHA-1 hashed.
func Sign(params map[string]string, secret string) string {
	pairs := make([]string, 0, len(params))
	for _, k := range sortedKeys(params) {
		switch k {
		case "api_key", "file", "resource_type", "signature":
			continue
		}
		if v := params[k]; v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fileName(publicID string) string {
	base := publicID
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if base == "" {
		base = "upload"
	}
	return base + ".jpg"
}

// errorMessage extracts {"error":{"message":...}} or falls back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(body))
}
