package state

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// ErrSnapshotCorrupt marks an archive that failed verification.
var ErrSnapshotCorrupt = errors.New("snapshot corrupt")

const (
	snapshotFormat  = 1
	snapshotPrefix  = "snapshot-"
	snapshotExt     = ".tar.zst"
	snapshotLayout  = "20060102T150405.000000000Z"
	manifestEntry   = "manifest.yaml"
	payloadEntry    = "playback.yaml"
	maxArchiveEntry = 1 << 20
)

var snapshotIDPattern = regexp.MustCompile(`^snapshot-[0-9]{8}T[0-9]{6}\.[0-9]{9}Z(-[0-9]+)?$`)

// ValidSnapshotID reports whether id names a snapshot this package could
// have written. It keeps caller-supplied ids from escaping the directory.
func ValidSnapshotID(id string) bool {
	return snapshotIDPattern.MatchString(id)
}

type snapshotDir struct {
	dir    string
	rename func(string, string) error
}

func (d *snapshotDir) path(id string) string {
	return filepath.Join(d.dir, id+snapshotExt)
}

// create archives payload and writes it atomically.
func (d *snapshotDir) create(ctx context.Context, kind SnapshotKind, description string, payload []byte, now time.Time) (SnapshotMetadata, error) {
	now = now.UTC()
	id := snapshotPrefix + now.Format(snapshotLayout)
	for n := 1; ; n++ {
		if _, err := os.Stat(d.path(id)); errors.Is(err, os.ErrNotExist) {
			break
		}
		id = fmt.Sprintf("%s%s-%d", snapshotPrefix, now.Format(snapshotLayout), n)
	}

	sum := sha256.Sum256(payload)
	meta := SnapshotMetadata{
		ID:          id,
		Kind:        kind,
		Description: description,
		CreatedAt:   now,
		Size:        int64(len(payload)),
		Checksum:    hex.EncodeToString(sum[:]),
		Format:      snapshotFormat,
	}
	manifest, err := yaml.Marshal(meta)
	if err != nil {
		return SnapshotMetadata{}, fmt.Errorf("encode manifest: %w", err)
	}

	var buf bytes.Buffer
	if err := writeArchive(&buf, manifest, payload, now); err != nil {
		return SnapshotMetadata{}, err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return SnapshotMetadata{}, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := writeFileAtomic(ctx, d.path(id), buf.Bytes(), d.rename); err != nil {
		return SnapshotMetadata{}, err
	}
	meta.ArchiveSize = int64(buf.Len())
	return meta, nil
}

func writeArchive(w io.Writer, manifest, payload []byte, modTime time.Time) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	for _, e := range []struct {
		name string
		data []byte
	}{
		{manifestEntry, manifest},
		{payloadEntry, payload},
	} {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    0o644,
			Size:    int64(len(e.data)),
			ModTime: modTime,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			zw.Close()
			return fmt.Errorf("tar header %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			zw.Close()
			return fmt.Errorf("tar write %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("tar close: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zstd close: %w", err)
	}
	return nil
}

// verify opens an archive and checks the payload against its manifest.
func (d *snapshotDir) verify(id string) (SnapshotMetadata, Document, error) {
	if !ValidSnapshotID(id) {
		return SnapshotMetadata{}, Document{}, fmt.Errorf("invalid snapshot id %q", id)
	}
	f, err := os.Open(d.path(id))
	if err != nil {
		return SnapshotMetadata{}, Document{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return SnapshotMetadata{}, Document{}, err
	}

	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrSnapshotCorrupt, id, fmt.Sprintf(format, args...))
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		return SnapshotMetadata{}, Document{}, corrupt("zstd: %v", err)
	}
	defer zr.Close()

	var manifest, payload []byte
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return SnapshotMetadata{}, Document{}, corrupt("tar: %v", err)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxArchiveEntry+1))
		if err != nil {
			return SnapshotMetadata{}, Document{}, corrupt("read %s: %v", hdr.Name, err)
		}
		if len(data) > maxArchiveEntry {
			return SnapshotMetadata{}, Document{}, corrupt("%s too large", hdr.Name)
		}
		switch hdr.Name {
		case manifestEntry:
			manifest = data
		case payloadEntry:
			payload = data
		}
	}
	if manifest == nil || payload == nil {
		return SnapshotMetadata{}, Document{}, corrupt("missing manifest or payload")
	}

	var meta SnapshotMetadata
	if err := yaml.Unmarshal(manifest, &meta); err != nil {
		return SnapshotMetadata{}, Document{}, corrupt("manifest: %v", err)
	}
	meta.ArchiveSize = info.Size()
	if meta.ID != id {
		return meta, Document{}, corrupt("manifest names %q", meta.ID)
	}
	if meta.Format > snapshotFormat {
		return meta, Document{}, corrupt("unsupported format %d", meta.Format)
	}
	if int64(len(payload)) != meta.Size {
		return meta, Document{}, corrupt("payload is %d bytes, manifest says %d", len(payload), meta.Size)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return meta, Document{}, corrupt("checksum mismatch")
	}
	doc, err := decodeDocument(payload)
	if err != nil {
		return meta, Document{}, corrupt("payload: %v", err)
	}
	meta.Verified = true
	return meta, doc, nil
}

// list inspects every archive in the directory, newest first. Archives that
// fail verification are included with Err set.
func (d *snapshotDir) list() ([]SnapshotMetadata, error) {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var out []SnapshotMetadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		id := strings.TrimSuffix(name, snapshotExt)
		if !ValidSnapshotID(id) {
			continue
		}
		meta, _, err := d.verify(id)
		if err != nil {
			meta.ID = id
			meta.Verified = false
			meta.Err = err.Error()
			if meta.CreatedAt.IsZero() {
				meta.CreatedAt = idTime(id)
			}
			if info, ierr := e.Info(); ierr == nil {
				meta.ArchiveSize = info.Size()
			}
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return newerID(out[i].ID, out[j].ID) })
	return out, nil
}

func (d *snapshotDir) remove(id string) error {
	if !ValidSnapshotID(id) {
		return fmt.Errorf("invalid snapshot id %q", id)
	}
	return os.Remove(d.path(id))
}

// splitID returns the timestamp and same-instant sequence number encoded in
// a snapshot id.
func splitID(id string) (time.Time, int) {
	s := strings.TrimPrefix(id, snapshotPrefix)
	seq := 0
	if i := strings.IndexByte(s, '-'); i >= 0 {
		seq, _ = strconv.Atoi(s[i+1:])
		s = s[:i]
	}
	t, _ := time.Parse(snapshotLayout, s)
	return t, seq
}

func idTime(id string) time.Time {
	t, _ := splitID(id)
	return t
}

// newerID orders ids newest first: by timestamp, then by sequence number.
func newerID(a, b string) bool {
	ta, sa := splitID(a)
	tb, sb := splitID(b)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return sa > sb
}

// decodeDocument parses and validates a state document.
func decodeDocument(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, errors.New("empty document")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}
