// Package upload assembles chunked file uploads bound to component
// instances. Each upload streams base64 chunks into a temp sink under
// <workDir>/uploads/<uploadId>.part, verifies size and optional sha256,
// and hands the finished file back to the owning instance.
package upload

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/protocol"
)

// State is the upload state machine position.
type State string

const (
	StateOpening    State = "opening"
	StateReceiving  State = "receiving"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
)

// progressInterval throttles upload-progress frames per upload.
const progressInterval = 100 * time.Millisecond

// Upload is one in-flight chunked upload.
type Upload struct {
	ID         string
	InstanceID string
	ConnID     string
	FileName   string
	Total      int64
	Received   int64
	ChunkSize  int64

	state        State
	hash         hash.Hash
	wantSHA      string
	sink         *os.File
	sinkPath     string
	expiresAt    time.Time
	lastProgress time.Time
}

// Config bounds the assembler.
type Config struct {
	Dir            string
	MaxUploadBytes int64
	MaxChunkBytes  int64
	TTL            time.Duration
}

// Assembler owns all pending uploads.
type Assembler struct {
	mu      sync.Mutex
	uploads map[string]*Upload
	cfg     Config

	// notify queues updates on the initiating connection.
	notify func(connectionID string, updates ...any)
	// complete hands a finished file to the owning instance.
	complete func(instanceID, uploadID, path, fileName string)
}

// New creates an assembler writing sinks under cfg.Dir/uploads.
func New(cfg Config, notify func(connectionID string, updates ...any)) (*Assembler, error) {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 256 << 10
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	dir := filepath.Join(cfg.Dir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	cfg.Dir = dir
	return &Assembler{
		uploads: make(map[string]*Upload),
		cfg:     cfg,
		notify:  notify,
	}, nil
}

// OnComplete installs the finished-upload hook. Set once at startup.
func (a *Assembler) OnComplete(fn func(instanceID, uploadID, path, fileName string)) {
	a.complete = fn
}

// Count returns the number of pending uploads.
func (a *Assembler) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.uploads)
}

// Begin opens a new upload. The dispatcher has already verified that the
// parent instance exists and the connection subscribes to it.
func (a *Assembler) Begin(b *protocol.UploadBegin, connectionID string) *protocol.WireError {
	if b.TotalBytes > a.cfg.MaxUploadBytes {
		return protocol.Errf(protocol.CodeSizeLimit, "totalBytes %d exceeds limit %d", b.TotalBytes, a.cfg.MaxUploadBytes)
	}
	if b.ChunkSize > a.cfg.MaxChunkBytes {
		return protocol.Errf(protocol.CodeSizeLimit, "chunkSize %d exceeds limit %d", b.ChunkSize, a.cfg.MaxChunkBytes)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.uploads[b.UploadID]; exists {
		return protocol.BadFrame("upload %s already open", b.UploadID)
	}

	sinkPath := filepath.Join(a.cfg.Dir, b.UploadID+".part")
	sink, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return protocol.Errf(protocol.CodeInternal, "open upload sink: %v", err)
	}

	a.uploads[b.UploadID] = &Upload{
		ID:         b.UploadID,
		InstanceID: b.InstanceID,
		ConnID:     connectionID,
		FileName:   b.FileName,
		Total:      b.TotalBytes,
		ChunkSize:  b.ChunkSize,
		state:      StateReceiving,
		hash:       sha256.New(),
		wantSHA:    b.SHA256,
		sink:       sink,
		sinkPath:   sinkPath,
		expiresAt:  time.Now().Add(a.cfg.TTL),
	}

	metrics.Global().RecordUploadStarted()
	logging.Op().Debug("upload opened",
		"upload", b.UploadID, "instance", b.InstanceID, "total", b.TotalBytes)
	return nil
}

// Chunk appends one chunk. Out-of-order or duplicate seq fails the upload.
func (a *Assembler) Chunk(c *protocol.UploadChunk, connectionID string) *protocol.WireError {
	a.mu.Lock()
	defer a.mu.Unlock()

	up, ok := a.uploads[c.UploadID]
	if !ok {
		return protocol.BadFrame("unknown upload %s", c.UploadID)
	}
	if up.ConnID != connectionID {
		return protocol.Errf(protocol.CodeUnauthorized, "upload %s belongs to another connection", c.UploadID)
	}
	if up.state != StateReceiving {
		return protocol.BadFrame("upload %s not receiving (state %s)", c.UploadID, up.state)
	}

	if want := up.Received / up.ChunkSize; c.Seq != want {
		a.failLocked(up, protocol.CodeBadSeq, fmt.Sprintf("expected seq %d, got %d", want, c.Seq))
		return protocol.Errf(protocol.CodeBadSeq, "upload %s: expected seq %d, got %d", up.ID, want, c.Seq)
	}

	data, err := base64.StdEncoding.DecodeString(c.BytesBase64)
	if err != nil {
		a.failLocked(up, protocol.CodeBadSeq, "chunk is not valid base64")
		return protocol.BadFrame("upload %s: chunk %d is not valid base64", up.ID, c.Seq)
	}
	if int64(len(data)) > up.ChunkSize {
		a.failLocked(up, protocol.CodeSizeLimit, "chunk larger than declared chunkSize")
		return protocol.Errf(protocol.CodeSizeLimit, "upload %s: chunk %d exceeds chunkSize", up.ID, c.Seq)
	}
	if up.Received+int64(len(data)) > up.Total {
		a.failLocked(up, protocol.CodeSizeLimit, "more bytes than declared totalBytes")
		return protocol.Errf(protocol.CodeSizeLimit, "upload %s: exceeds totalBytes", up.ID)
	}

	if _, err := up.sink.Write(data); err != nil {
		a.failLocked(up, protocol.CodeInternal, "sink write failed")
		return protocol.Errf(protocol.CodeInternal, "upload %s: sink write: %v", up.ID, err)
	}
	up.hash.Write(data)
	up.Received += int64(len(data))
	up.expiresAt = time.Now().Add(a.cfg.TTL)

	if now := time.Now(); now.Sub(up.lastProgress) >= progressInterval || up.Received == up.Total {
		up.lastProgress = now
		a.notify(up.ConnID, protocol.NewUploadProgress(up.ID, up.Received, up.Total))
	}
	return nil
}

// End finalizes an upload: size and hash are verified, the sink is renamed
// to its final path and the owning instance is notified.
func (a *Assembler) End(e *protocol.UploadEnd, connectionID string) *protocol.WireError {
	a.mu.Lock()

	up, ok := a.uploads[e.UploadID]
	if !ok {
		a.mu.Unlock()
		return protocol.BadFrame("unknown upload %s", e.UploadID)
	}
	if up.ConnID != connectionID {
		a.mu.Unlock()
		return protocol.Errf(protocol.CodeUnauthorized, "upload %s belongs to another connection", e.UploadID)
	}
	if up.state != StateReceiving {
		a.mu.Unlock()
		return protocol.BadFrame("upload %s not receiving (state %s)", e.UploadID, up.state)
	}
	up.state = StateFinalizing

	if up.Received != up.Total {
		a.failLocked(up, protocol.CodeSizeLimit, "received bytes do not match totalBytes")
		a.mu.Unlock()
		return protocol.Errf(protocol.CodeSizeLimit, "upload %s: received %d of %d bytes", up.ID, up.Received, up.Total)
	}
	if up.wantSHA != "" {
		got := hex.EncodeToString(up.hash.Sum(nil))
		if got != up.wantSHA {
			a.failLocked(up, protocol.CodeHashMismatch, "sha256 mismatch")
			a.mu.Unlock()
			return protocol.Errf(protocol.CodeHashMismatch, "upload %s: sha256 mismatch", up.ID)
		}
	}

	up.sink.Close()
	finalPath := filepath.Join(a.cfg.Dir, up.ID)
	if err := os.Rename(up.sinkPath, finalPath); err != nil {
		a.failLocked(up, protocol.CodeInternal, "finalize failed")
		a.mu.Unlock()
		return protocol.Errf(protocol.CodeInternal, "upload %s: finalize: %v", up.ID, err)
	}
	up.state = StateDone
	delete(a.uploads, up.ID)
	a.mu.Unlock()

	metrics.Global().RecordUploadDone(up.Total, true)
	logging.Op().Info("upload complete",
		"upload", up.ID, "instance", up.InstanceID, "bytes", up.Total)

	if a.complete != nil {
		a.complete(up.InstanceID, up.ID, finalPath, up.FileName)
	}
	return nil
}

// failLocked transitions an upload to failed and deletes its sink.
// Caller holds a.mu.
func (a *Assembler) failLocked(up *Upload, code, reason string) {
	up.state = StateFailed
	if up.sink != nil {
		up.sink.Close()
	}
	os.Remove(up.sinkPath)
	delete(a.uploads, up.ID)
	metrics.Global().RecordUploadDone(up.Received, false)
	logging.Op().Info("upload failed",
		"upload", up.ID, "instance", up.InstanceID, "code", code, "reason", reason)
}

// AbortForInstance aborts every upload owned by the instance. Called on
// instance teardown.
func (a *Assembler) AbortForInstance(instanceID string) {
	a.abortWhere(func(up *Upload) bool { return up.InstanceID == instanceID }, "instance teardown")
}

// AbortForConnection aborts every upload initiated by the connection.
// Called when the connection closes.
func (a *Assembler) AbortForConnection(connectionID string) {
	a.abortWhere(func(up *Upload) bool { return up.ConnID == connectionID }, "connection closed")
}

// AbortForSubscription aborts the connection's uploads bound to the
// instance. Called when the connection unsubscribes from it.
func (a *Assembler) AbortForSubscription(connectionID, instanceID string) {
	a.abortWhere(func(up *Upload) bool {
		return up.ConnID == connectionID && up.InstanceID == instanceID
	}, "unsubscribed")
}

func (a *Assembler) abortWhere(match func(*Upload) bool, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, up := range a.uploads {
		if !match(up) {
			continue
		}
		up.state = StateAborted
		if up.sink != nil {
			up.sink.Close()
		}
		os.Remove(up.sinkPath)
		delete(a.uploads, id)
		logging.Op().Debug("upload aborted", "upload", id, "reason", reason)
	}
}

// Sweep aborts uploads idle past their TTL. The runtime calls this from
// the reaper loop.
func (a *Assembler) Sweep(now time.Time) {
	a.abortWhere(func(up *Upload) bool { return now.After(up.expiresAt) }, "expired")
}
