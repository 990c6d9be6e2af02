package middleware

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var compressibleTypes = []string{"application/json", "text/html", "text/plain"}

type compressWriter struct {
	http.ResponseWriter
	gz          *gzip.Writer
	wroteHeader bool
	compress    bool
}

func (c *compressWriter) WriteHeader(statusCode int) {
	if c.wroteHeader {
		return
	}
	c.wroteHeader = true

	ct := c.Header().Get("Content-Type")
	if c.Header().Get("Content-Encoding") == "" {
		for _, t := range compressibleTypes {
			if strings.HasPrefix(ct, t) {
				c.compress = true
				break
			}
		}
	}
	if c.compress && statusCode != http.StatusNoContent && statusCode != http.StatusNotModified {
		c.Header().Set("Content-Encoding", "gzip")
		c.Header().Del("Content-Length")
		c.gz = gzip.NewWriter(c.ResponseWriter)
	} else {
		c.compress = false
	}
	c.ResponseWriter.WriteHeader(statusCode)
}

func (c *compressWriter) Write(p []byte) (int, error) {
	if !c.wroteHeader {
		if c.Header().Get("Content-Type") == "" {
			c.Header().Set("Content-Type", http.DetectContentType(p))
		}
		c.WriteHeader(http.StatusOK)
	}
	if c.compress {
		return c.gz.Write(p)
	}
	return c.ResponseWriter.Write(p)
}

func (c *compressWriter) Close() error {
	if c.gz != nil {
		return c.gz.Close()
	}
	return nil
}

type decompressReader struct {
	r  io.ReadCloser
	gz *gzip.Reader
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.gz.Read(p)
}

func (d *decompressReader) Close() error {
	if err := d.r.Close(); err != nil {
		return err
	}
	return d.gz.Close()
}

// brokenBody отдаёт обработчику ошибку распаковки при первом чтении.
type brokenBody struct {
	r   io.ReadCloser
	err error
}

func (b *brokenBody) Read([]byte) (int, error) {
	return 0, b.err
}

func (b *brokenBody) Close() error {
	return b.r.Close()
}

// GzipMiddleware распаковывает gzip-тело запроса и сжимает JSON, HTML и текстовые ответы,
// если клиент поддерживает gzip. Уже сжатые обработчиком ответы не трогаются.
// Повреждённое тело не отклоняется: ошибку распаковки получает обработчик при чтении.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			if gz, err := gzip.NewReader(r.Body); err != nil {
				r.Body = &brokenBody{r: r.Body, err: fmt.Errorf("decompress request body: %w", err)}
			} else {
				r.Body = &decompressReader{r: r.Body, gz: gz}
			}
			r.Header.Del("Content-Encoding")
			r.ContentLength = -1
		}

		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		cw := &compressWriter{ResponseWriter: w}
		defer cw.Close()

		next.ServeHTTP(cw, r)
	})
}
