package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/model"
)

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationRead   FileOperationType = "read"
	FileOperationWrite  FileOperationType = "write"
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
	FileOperationList   FileOperationType = "list"
)

// FileOperationPayload represents the payload for file operation tasks
type FileOperationPayload struct {
	Operation   FileOperationType `json:"operation"`
	SourcePath  string            `json:"source_path"`
	TargetPath  string            `json:"target_path,omitempty"`
	Content     string            `json:"content,omitempty"`
	Permissions os.FileMode       `json:"permissions,omitempty"`
}

// FileOperationHandler runs file operations confined to a workspace directory
type FileOperationHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewFileOperationHandler creates a handler rooted at baseDir
func NewFileOperationHandler(logger *zap.Logger, baseDir string) (*FileOperationHandler, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &FileOperationHandler{
		logger:  logger.Named("file-handler"),
		baseDir: abs,
	}, nil
}

// resolve maps a relative path into the workspace
func (h *FileOperationHandler) resolve(path string) (string, error) {
	full := filepath.Join(h.baseDir, path)
	rel, err := filepath.Rel(h.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return full, nil
}

// Handle performs the file operation
func (h *FileOperationHandler) Handle(ctx context.Context, agent model.AgentRef, data []byte) ([]byte, error) {
	var payload FileOperationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	sourcePath, err := h.resolve(payload.SourcePath)
	if err != nil {
		return nil, err
	}

	var targetPath string
	if payload.Operation == FileOperationMove || payload.Operation == FileOperationCopy {
		if payload.TargetPath == "" {
			return nil, fmt.Errorf("%s requires a target path", payload.Operation)
		}
		if targetPath, err = h.resolve(payload.TargetPath); err != nil {
			return nil, err
		}
	}

	h.logger.Info("Executing file operation",
		zap.String("agent_id", agent.AgentID),
		zap.String("operation", string(payload.Operation)),
		zap.String("source", sourcePath))

	switch payload.Operation {
	case FileOperationRead:
		return os.ReadFile(sourcePath)
	case FileOperationWrite:
		return nil, h.writeFile(sourcePath, []byte(payload.Content), payload.Permissions)
	case FileOperationDelete:
		return nil, os.Remove(sourcePath)
	case FileOperationMove:
		return nil, h.moveFile(sourcePath, targetPath)
	case FileOperationCopy:
		return nil, h.copyFile(sourcePath, targetPath)
	case FileOperationList:
		return h.listDir(sourcePath)
	}
	return nil, fmt.Errorf("unsupported operation: %s", payload.Operation)
}

func (h *FileOperationHandler) writeFile(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, content, perm)
}

func (h *FileOperationHandler) moveFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	return os.Rename(source, target)
}

func (h *FileOperationHandler) copyFile(source, target string) error {
	sourceFile, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	targetFile, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer targetFile.Close()

	if _, err = io.Copy(targetFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get source file info: %w", err)
	}

	return os.Chmod(target, sourceInfo.Mode())
}

func (h *FileOperationHandler) listDir(path string) ([]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return json.Marshal(names)
}
