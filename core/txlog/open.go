package txlog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendMemory = "memory" // not durable; tests and demos only
)

// Open creates the log for the named backend rooted at dir.
func Open(backend, dir string, logger *zap.Logger, opts FileLogOptions) (Log, error) {
	switch backend {
	case "", BackendFile:
		return OpenFileLog(dir, logger, opts)
	case BackendBolt:
		if opts.Sealer != nil {
			return nil, fmt.Errorf("txlog backend %q does not support encryption", backend)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
		return OpenBoltLog(filepath.Join(dir, "txlog.bolt"), logger)
	case BackendMemory:
		return NewStoreLog(raft.NewInmemStore(), logger)
	default:
		return nil, fmt.Errorf("unknown txlog backend %q", backend)
	}
}
