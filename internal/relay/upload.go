package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/1ureka/roomcall/internal/util"
)

var errEmptyFilename = errors.New("empty file name")

// handleUpload stores a recorded file for a room as <upload_dir>/<room>-<name>.
func (s *Server) handleUpload(ctx *gin.Context) {
	room := strings.TrimSpace(ctx.Param("room"))

	if s.cfg.MaxUploadSize > 0 {
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, s.cfg.MaxUploadSize)
	}

	header, err := ctx.FormFile("file")
	if err != nil {
		util.LogWarning("upload for room %s without file: %v", room, err)
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed"})
		return
	}

	name, err := s.saveUpload(room, header.Filename, func() (io.ReadCloser, error) {
		return header.Open()
	})
	if err != nil {
		util.LogError("error saving file: %v", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "File upload failed"})
		return
	}

	util.LogInfo("file uploaded: %s", name)
	ctx.JSON(http.StatusOK, gin.H{
		"message":  "File uploaded successfully",
		"filename": header.Filename,
	})
}

// saveUpload copies the opened file into the upload directory and returns the
// stored path. Directory components of filename and room are stripped.
func (s *Server) saveUpload(room, filename string, open func() (io.ReadCloser, error)) (string, error) {
	base := filepath.Base(filepath.Clean("/" + filename))
	if base == "/" || base == "." {
		return "", errEmptyFilename
	}
	room = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(room)

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	src, err := open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	path := filepath.Join(s.cfg.UploadDir, fmt.Sprintf("%s-%s", room, base))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}
