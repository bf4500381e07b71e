package downloader

import (
	"context"
	"fmt"
	"hash"
	"strconv"
)

// progressWriter feeds transferred bytes into the running hash and reports
// status to the caller's callback.
type progressWriter struct {
	fileName string
	total    int64
	written  int64
	hash     hash.Hash
	status   ProgressFunc
	ctx      context.Context
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	select {
	case <-pw.ctx.Done():
		return 0, pw.ctx.Err()
	default:
	}

	n, err := pw.hash.Write(p)
	if err != nil {
		return n, err
	}
	pw.written += int64(n)

	if pw.total > 0 {
		pw.status(pw.fileName, formatBytes(pw.written), formatBytes(pw.total),
			float64(pw.written)/float64(pw.total)*100)
	} else {
		pw.status(pw.fileName, formatBytes(pw.written), "", 0)
	}
	return n, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return strconv.FormatInt(bytes, 10) + " B"
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
