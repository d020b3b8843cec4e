package usecases

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/0xcro3dile/localchat-go/internal/domain/entities"
	"github.com/0xcro3dile/localchat-go/internal/domain/ports"
)

// MaxPreviewChars caps the extracted-text preview kept on the file row.
const MaxPreviewChars = 200_000

// DefaultAllowedExtensions is the upload allow-list.
var DefaultAllowedExtensions = []string{
	".txt", ".md", ".markdown", ".csv", ".json", ".log", ".html", ".xml",
	".pdf", ".docx",
	".png", ".jpg", ".jpeg", ".gif", ".webp",
}

// FileOptions configures a FileLifecycle.
type FileOptions struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// UploadInput is one uploaded file destined for a conversation.
type UploadInput struct {
	OwnerID        string
	ConversationID string
	Filename       string
	MimeType       string
	Data           []byte
}

// UploadResult reports the stored file and whether existing bytes were reused.
type UploadResult struct {
	File         *entities.File
	Deduplicated bool
}

// FileLifecycle owns uploads, background extraction and reference-counted deletion.
type FileLifecycle struct {
	conversations ports.ConversationRepository
	files         ports.FileRepository
	objects       ports.ObjectStore
	extractor     ports.TextExtractor
	ingest        *IngestUseCase
	tasks         *TaskPool
	logger        *log.Logger

	maxBytes int64
	allowed  map[string]bool
}

// NewFileLifecycle creates a FileLifecycle with injected dependencies.
func NewFileLifecycle(
	conversations ports.ConversationRepository,
	files ports.FileRepository,
	objects ports.ObjectStore,
	extractor ports.TextExtractor,
	ingest *IngestUseCase,
	tasks *TaskPool,
	opts FileOptions,
	logger *log.Logger,
) *FileLifecycle {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = DefaultAllowedExtensions
	}
	if logger == nil {
		logger = log.Default()
	}
	allowed := make(map[string]bool, len(opts.AllowedExtensions))
	for _, ext := range opts.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}
	return &FileLifecycle{
		conversations: conversations,
		files:         files,
		objects:       objects,
		extractor:     extractor,
		ingest:        ingest,
		tasks:         tasks,
		logger:        logger.WithPrefix("files"),
		maxBytes:      opts.MaxBytes,
		allowed:       allowed,
	}
}

// MaxBytes returns the upload size limit.
func (fl *FileLifecycle) MaxBytes() int64 { return fl.maxBytes }

// Validate checks the extension and size of an upload before any I/O.
func (fl *FileLifecycle) Validate(filename string, size int64) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || !fl.allowed[ext] {
		return newError(CodeUnsupported, fmt.Sprintf("file type %q is not allowed", ext))
	}
	if size <= 0 {
		return newError(CodeValidation, "file is empty")
	}
	if size > fl.maxBytes {
		return newError(CodeTooLarge, fmt.Sprintf("file exceeds %d bytes", fl.maxBytes))
	}
	return nil
}

// ContentHash is the crc32 (IEEE) of data as 8 hex digits.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(data))
}

// Upload stores a file for a conversation. Identical bytes already owned by
// the user are linked instead of stored again. Extraction is scheduled on
// the task pool and Upload returns without waiting for it.
func (fl *FileLifecycle) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if err := fl.Validate(in.Filename, int64(len(in.Data))); err != nil {
		return nil, err
	}
	if _, err := fl.ownedConversation(ctx, in.OwnerID, in.ConversationID); err != nil {
		return nil, err
	}

	hash := ContentHash(in.Data)
	if existing, err := fl.files.FindByHash(ctx, in.OwnerID, hash); err == nil {
		return fl.linkExisting(ctx, existing, in.ConversationID)
	} else if !errors.Is(err, ports.ErrNotFound) {
		return nil, fmt.Errorf("looking up file hash: %w", err)
	}

	id := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(in.Filename))
	f := &entities.File{
		ID:               id,
		OwnerID:          in.OwnerID,
		Filename:         filepath.Base(in.Filename),
		MimeType:         detectMime(in.MimeType, ext),
		Size:             int64(len(in.Data)),
		ContentHash:      hash,
		ObjectKey:        fmt.Sprintf("uploads/%s/%s%s", in.OwnerID, id, ext),
		ExtractionStatus: entities.ExtractionPending,
		CreatedAt:        time.Now().UTC(),
	}

	if err := fl.files.Create(ctx, f); err != nil {
		if errors.Is(err, ports.ErrDuplicate) {
			// Lost a race with an identical upload.
			existing, ferr := fl.files.FindByHash(ctx, in.OwnerID, hash)
			if ferr != nil {
				return nil, fmt.Errorf("re-reading duplicate file: %w", ferr)
			}
			return fl.linkExisting(ctx, existing, in.ConversationID)
		}
		return nil, fmt.Errorf("creating file: %w", err)
	}

	if err := fl.objects.Put(ctx, f.ObjectKey, in.Data, f.MimeType); err != nil {
		if _, rerr := fl.files.ReleaseIfOrphaned(context.WithoutCancel(ctx), f.ID); rerr != nil {
			fl.logger.Error("failed to remove file row after upload error", "file", f.ID, "err", rerr)
		}
		return nil, wrapError(CodeUpstream, "object storage is unavailable", err)
	}

	if err := fl.files.LinkConversation(ctx, f.ID, in.ConversationID); err != nil {
		rel, rerr := fl.files.ReleaseIfOrphaned(context.WithoutCancel(ctx), f.ID)
		if rerr != nil {
			fl.logger.Error("failed to remove file row after link error", "file", f.ID, "err", rerr)
		}
		fl.cleanup(rel)
		return nil, fmt.Errorf("linking file: %w", err)
	}

	data := in.Data
	if !fl.tasks.Go("extract "+f.ID, func(ctx context.Context) error {
		return fl.extract(ctx, f, data)
	}) {
		fl.logger.Warn("task pool closed, extraction not scheduled", "file", f.ID)
	}

	fl.logger.Info("file uploaded", "file", f.ID, "name", f.Filename, "size", f.Size)
	return &UploadResult{File: f}, nil
}

func (fl *FileLifecycle) linkExisting(ctx context.Context, f *entities.File, conversationID string) (*UploadResult, error) {
	if err := fl.files.LinkConversation(ctx, f.ID, conversationID); err != nil {
		return nil, fmt.Errorf("linking file: %w", err)
	}
	fl.logger.Debug("deduplicated upload", "file", f.ID, "hash", f.ContentHash)
	return &UploadResult{File: f, Deduplicated: true}, nil
}

// extract runs in the background: extract text, store it, then embed it.
func (fl *FileLifecycle) extract(ctx context.Context, f *entities.File, data []byte) error {
	fail := func(reason string, err error) error {
		if uerr := fl.files.UpdateExtraction(ctx, f.ID, entities.ExtractionFailed, "", ""); uerr != nil {
			return fmt.Errorf("marking %s failed: %w", f.ID, uerr)
		}
		fl.logger.Info("extraction failed", "file", f.ID, "reason", reason, "err", err)
		return nil
	}

	if fl.extractor == nil || !fl.extractor.Supports(f.MimeType, f.Filename) {
		return fail("no extractor", nil)
	}
	text, err := fl.extractor.Extract(ctx, data, f.MimeType, f.Filename)
	if err != nil {
		return fail("extractor error", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fail("no extractable text", nil)
	}

	textKey := f.ObjectKey + ".txt"
	if err := fl.objects.Put(ctx, textKey, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return fail("storing text", err)
	}

	if err := fl.files.UpdateExtraction(ctx, f.ID, entities.ExtractionDone, textKey, truncateRunes(text, MaxPreviewChars)); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			// Released while we were extracting.
			fl.deleteObject(textKey)
			return nil
		}
		return fmt.Errorf("marking %s done: %w", f.ID, err)
	}

	if fl.ingest != nil {
		n, err := fl.ingest.IngestFile(ctx, f, text)
		if err != nil {
			fl.logger.Warn("embedding file failed", "file", f.ID, "err", err)
		} else {
			fl.logger.Debug("file embedded", "file", f.ID, "chunks", n)
		}
	}
	return nil
}

// GetFile returns a file owned by ownerID.
func (fl *FileLifecycle) GetFile(ctx context.Context, ownerID, fileID string) (*entities.File, error) {
	f, err := fl.files.Get(ctx, fileID)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && f.OwnerID != ownerID) {
		return nil, newError(CodeNotFound, "file not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading file: %w", err)
	}
	return f, nil
}

// ConversationFiles returns files referenced by the conversation or any of its messages, in upload order.
func (fl *FileLifecycle) ConversationFiles(ctx context.Context, conversationID string) ([]entities.File, error) {
	files, err := fl.files.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing conversation files: %w", err)
	}
	return files, nil
}

// LinkToMessage attaches a file to a message.
func (fl *FileLifecycle) LinkToMessage(ctx context.Context, fileID, messageID string) error {
	if err := fl.files.LinkMessage(ctx, fileID, messageID); err != nil {
		return fmt.Errorf("linking file to message: %w", err)
	}
	return nil
}

// UnlinkFromConversation drops the conversation's reference to a file and
// deletes the file when no reference remains.
func (fl *FileLifecycle) UnlinkFromConversation(ctx context.Context, ownerID, conversationID, fileID string) error {
	if _, err := fl.ownedConversation(ctx, ownerID, conversationID); err != nil {
		return err
	}
	if _, err := fl.GetFile(ctx, ownerID, fileID); err != nil {
		return err
	}
	rel, err := fl.files.UnlinkConversation(ctx, fileID, conversationID)
	if err != nil {
		return fmt.Errorf("unlinking file: %w", err)
	}
	fl.cleanup(rel)
	return nil
}

// UnlinkFromMessage drops a message's reference to a file. The file survives
// while anything else still references it.
func (fl *FileLifecycle) UnlinkFromMessage(ctx context.Context, fileID, messageID string) error {
	rel, err := fl.files.UnlinkMessage(ctx, fileID, messageID)
	if err != nil {
		return fmt.Errorf("unlinking file from message: %w", err)
	}
	fl.cleanup(rel)
	return nil
}

// DeleteConversation deletes a conversation and cleans up files it left orphaned.
func (fl *FileLifecycle) DeleteConversation(ctx context.Context, ownerID, conversationID string) error {
	if _, err := fl.ownedConversation(ctx, ownerID, conversationID); err != nil {
		return err
	}

	referenced, err := fl.files.ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("listing conversation files: %w", err)
	}

	if err := fl.conversations.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}

	for _, f := range referenced {
		rel, err := fl.files.ReleaseIfOrphaned(ctx, f.ID)
		if err != nil {
			fl.logger.Error("orphan check failed", "file", f.ID, "err", err)
			continue
		}
		fl.cleanup(rel)
	}
	fl.logger.Info("conversation deleted", "conversation", conversationID, "files", len(referenced))
	return nil
}

// WaitForExtraction polls until none of the files is pending, the timeout
// elapses, or ctx is done. It returns the latest known state of each file.
func (fl *FileLifecycle) WaitForExtraction(ctx context.Context, fileIDs []string, timeout, interval time.Duration) ([]entities.File, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		files, pending, err := fl.snapshot(ctx, fileIDs)
		if err != nil {
			return nil, err
		}
		if !pending {
			return files, nil
		}
		select {
		case <-ctx.Done():
			return files, ctx.Err()
		case <-deadline.C:
			return files, nil
		case <-ticker.C:
		}
	}
}

func (fl *FileLifecycle) snapshot(ctx context.Context, ids []string) ([]entities.File, bool, error) {
	files := make([]entities.File, 0, len(ids))
	pending := false
	for _, id := range ids {
		f, err := fl.files.Get(ctx, id)
		if errors.Is(err, ports.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("polling file %s: %w", id, err)
		}
		if f.ExtractionStatus == entities.ExtractionPending {
			pending = true
		}
		files = append(files, *f)
	}
	return files, pending, nil
}

func (fl *FileLifecycle) ownedConversation(ctx context.Context, ownerID, conversationID string) (*entities.Conversation, error) {
	conv, err := fl.conversations.Get(ctx, conversationID)
	if errors.Is(err, ports.ErrNotFound) || (err == nil && conv.OwnerID != ownerID) {
		return nil, newError(CodeNotFound, "conversation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return conv, nil
}

// cleanup deletes the objects of an orphaned file. The row is already gone,
// so failures here are only logged.
func (fl *FileLifecycle) cleanup(rel ports.Release) {
	if !rel.Orphaned || rel.File == nil {
		return
	}
	fl.deleteObject(rel.File.ObjectKey)
	if rel.File.TextObjectKey != "" {
		fl.deleteObject(rel.File.TextObjectKey)
	}
	fl.logger.Info("orphaned file removed", "file", rel.File.ID)
}

func (fl *FileLifecycle) deleteObject(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fl.objects.Delete(ctx, key); err != nil {
		fl.logger.Warn("object delete failed", "key", key, "err", err)
	}
}

func detectMime(given, ext string) string {
	if given != "" && given != "application/octet-stream" {
		return given
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	if given != "" {
		return given
	}
	return "application/octet-stream"
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
