package skills

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/blockflow/pkg/schema"
)

// BuiltinConfig bounds the built-in skills. Root confines fs skills to a
// directory tree; empty Root allows any absolute path.
type BuiltinConfig struct {
	Root            string
	MaxBody         int64         // response/file read cap, bytes
	HTTPTimeout     time.Duration
	AllowFileWrites bool
}

const (
	defaultMaxBody     = 10 * 1024 * 1024
	defaultHTTPTimeout = 30 * time.Second
)

// RegisterBuiltins adds the built-in skill set to a registry: http.get,
// http.post, fs.read, fs.write and hash.sha256.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}

	reg.Register("http.get", httpSkill(cfg, http.MethodGet))
	reg.Register("http.post", httpSkill(cfg, http.MethodPost))
	reg.Register("fs.read", fsReadSkill(cfg))
	if cfg.AllowFileWrites {
		reg.Register("fs.write", fsWriteSkill(cfg))
	}
	reg.Register("hash.sha256", hashSkill())
}

func httpSkill(cfg BuiltinConfig, method string) Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		rawURL := stringArg(args, "url")
		if rawURL == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "http skill: missing 'url'")
		}

		var body io.Reader
		if payload, ok := args["body"]; ok && payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "http skill: body is not serializable").WithCause(err)
			}
			body = strings.NewReader(string(raw))
		}

		reqCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "http skill: %s", err.Error()).WithCause(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if headers, ok := args["headers"].(map[string]any); ok {
			for k, v := range headers {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout, "http skill: %s", err.Error()).WithCause(err)
			}
			return nil, schema.NewErrorf(schema.ErrCodeSkill, "http skill: %s", err.Error()).WithCause(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBody))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSkill, "http skill: read body: %s", err.Error()).WithCause(err)
		}

		var parsed any = string(raw)
		if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				parsed = decoded
			}
		}

		return map[string]any{
			"status_code": resp.StatusCode,
			"body":        parsed,
		}, nil
	}
}

func fsReadSkill(cfg BuiltinConfig) Func {
	return func(_ context.Context, args map[string]any) (any, error) {
		path, err := confinePath(cfg, stringArg(args, "path"))
		if err != nil {
			return nil, err
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSkill, "fs.read: %s", err.Error()).WithCause(err)
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, cfg.MaxBody))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSkill, "fs.read: %s", err.Error()).WithCause(err)
		}

		encoding := "text"
		content := string(data)
		if isBinary(data) {
			encoding = "base64"
			content = base64.StdEncoding.EncodeToString(data)
		}

		return map[string]any{
			"path":     path,
			"content":  content,
			"encoding": encoding,
			"size":     len(data),
		}, nil
	}
}

func fsWriteSkill(cfg BuiltinConfig) Func {
	return func(_ context.Context, args map[string]any) (any, error) {
		path, err := confinePath(cfg, stringArg(args, "path"))
		if err != nil {
			return nil, err
		}
		content, ok := args["content"].(string)
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation, "fs.write: missing 'content'")
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSkill, "fs.write: %s", err.Error()).WithCause(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSkill, "fs.write: %s", err.Error()).WithCause(err)
		}

		return map[string]any{"path": path, "size": len(content)}, nil
	}
}

func hashSkill() Func {
	return func(_ context.Context, args map[string]any) (any, error) {
		input := stringArg(args, "input")
		if input == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "hash.sha256: missing 'input'")
		}
		sum := sha256.Sum256([]byte(input))
		return hex.EncodeToString(sum[:]), nil
	}
}

func stringArg(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// confinePath resolves the path and, when a root is configured, rejects
// anything escaping it.
func confinePath(cfg BuiltinConfig, path string) (string, error) {
	if path == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "fs skill: missing 'path'")
	}
	if cfg.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "fs skill: %s", err.Error()).WithCause(err)
	}
	if cfg.Root != "" {
		root, err := filepath.Abs(cfg.Root)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "fs skill: %s", err.Error()).WithCause(err)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "fs skill: path %q escapes root", path)
		}
	}
	return abs, nil
}

func isBinary(data []byte) bool {
	limit := len(data)
	if limit > 512 {
		limit = 512
	}
	for _, b := range data[:limit] {
		if b == 0 {
			return true
		}
	}
	return false
}
