package dispatch

import (
	"github.com/ojp-proxy/ojp-go/internal/errmap"
	"github.com/ojp-proxy/ojp-go/internal/session"
	"github.com/ojp-proxy/ojp-go/internal/stream"
)

// LOBRef is returned to the client as it streams blocks into a LOB: the
// handle id to send further blocks against, and the total byte count once
// the stream has been marked final (-1 until then), per spec.md §4.F.
type LOBRef struct {
	LOBID      string
	TotalBytes int64
}

// WriteLOBBlock appends one block to a staged LOB at position, lazily
// creating the staged LOB on the first call (lobID empty). Passing final
// true closes the write and reports the accumulated length.
func (d *Dispatcher) WriteLOBBlock(sessionID, lobID string, position int64, block []byte, final bool) (LOBRef, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return LOBRef{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	var writer *stream.LOBWriter
	if lobID == "" {
		writer = stream.NewLOBWriter(d.cfg.MaxLOBBlock)
		lobID = sess.PutHandle(session.HandleLOB, writer)
	} else {
		handle, ok := sess.GetHandle(session.HandleLOB, lobID)
		if !ok {
			return LOBRef{}, errmap.New(errmap.KindHandleNotFound, "no open LOB %q", lobID)
		}
		w, ok := handle.(*stream.LOBWriter)
		if !ok {
			return LOBRef{}, errmap.New(errmap.KindHandleNotFound, "handle %q is not a writable LOB", lobID)
		}
		writer = w
	}

	if err := writer.WriteBlock(position, block); err != nil {
		return LOBRef{}, err
	}

	ref := LOBRef{LOBID: lobID, TotalBytes: -1}
	if final {
		ref.TotalBytes = int64(len(writer.Bytes()))
	}
	return ref, nil
}

// DiscardLOB drops a staged LOB without finalizing it, for client-initiated
// stream cancellation.
func (d *Dispatcher) DiscardLOB(sessionID, lobID string) error {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	sess.RemoveHandle(session.HandleLOB, lobID)
	return nil
}

// OpenLOBForRead registers data as a readable LOB handle and returns its
// id. knownLength should be true when data's full length is already known
// (as opposed to a length-less streaming source), per stream.NewLOBReader.
func (d *Dispatcher) OpenLOBForRead(sessionID string, data []byte, knownLength bool) (string, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return "", err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	reader := stream.NewLOBReader(data, d.cfg.MaxLOBBlock, knownLength)
	return sess.PutHandle(session.HandleLOB, reader), nil
}

// LOBBlock is one block of a read-lob response. A Position of -1 with no
// data and More false signals the referenced LOB could not be resolved,
// per spec.md §4.F's terminal-block convention.
type LOBBlock struct {
	Position int64
	Data     []byte
	More     bool
}

// ReadLOBBlock returns the next block of an open readable LOB, sized as
// min(block-cap, remaining). It auto-closes the handle once exhausted.
func (d *Dispatcher) ReadLOBBlock(sessionID, lobID string) (LOBBlock, error) {
	sess, err := d.getSession(sessionID)
	if err != nil {
		return LOBBlock{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	sess.Touch()

	handle, ok := sess.GetHandle(session.HandleLOB, lobID)
	if !ok {
		return LOBBlock{Position: -1}, nil
	}
	reader, ok := handle.(*stream.LOBReader)
	if !ok {
		return LOBBlock{}, errmap.New(errmap.KindHandleNotFound, "handle %q is not a readable LOB", lobID)
	}

	start := reader.Pos()
	data, more := reader.ReadBlock()
	if !more {
		sess.RemoveHandle(session.HandleLOB, lobID)
	}
	return LOBBlock{Position: start, Data: data, More: more}, nil
}
