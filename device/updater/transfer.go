package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/device/flash"
	"github.com/kabili207/fota-go/transport"
)

// download requests chunks until the whole image is staged. Cancellation
// is only observed between chunks.
func (c *Client) download(ctx context.Context, t *transfer) error {
	retries := 0
	for t.stage.end() < t.artifact.Size {
		offset := t.stage.end()
		if err := ctx.Err(); err != nil {
			return c.fail(ClassCancelled, offset, err)
		}

		if c.dropped() {
			if err := c.resync(ctx, t, transport.ErrNotConnected); err != nil {
				return c.failure(err, offset)
			}
			continue
		}

		data, err := c.fetch(t, offset)
		if err != nil {
			if errors.Is(err, errChunk) || retryable(err) {
				retries++
				c.stats.Retries++
				c.log.Warn("chunk rejected", "offset", offset, "attempt", retries, "error", err)
				if retries > c.cfg.MaxChunkRetries {
					return c.fail(ClassData, offset, err)
				}
				continue
			}
			if err := c.resync(ctx, t, err); err != nil {
				return c.failure(err, offset)
			}
			continue
		}

		retries = 0
		t.failures = 0
		if err := t.stage.write(data); err != nil {
			return c.fail(ClassDevice, offset, fmt.Errorf("writing flash: %w", err))
		}
		t.chunks++
		t.lastSize = len(data)
		c.stats.Chunks++
		c.stats.Bytes += int64(len(data))
		c.report(t)
	}
	if err := t.stage.flush(); err != nil {
		return c.fail(ClassDevice, t.stage.end(), fmt.Errorf("writing flash: %w", err))
	}
	return nil
}

func retryable(err error) bool {
	var pe *codec.ProtocolError
	return errors.As(err, &pe) && pe.Retryable
}

// fetch requests the chunk at offset and returns its checked, decompressed
// bytes.
func (c *Client) fetch(t *transfer, offset int64) ([]byte, error) {
	req := codec.NewDownloadRequest(c.cfg.DeviceID, t.sessionID, offset, c.cfg.ChunkSize, c.cfg.Compression)
	if err := c.send(req); err != nil {
		return nil, err
	}
	f, err := codec.ReadFrame(c.cfg.Link, c.cfg.IOTimeout, 0)
	if err != nil {
		return nil, err
	}
	if !f.IsChunk() {
		if err := f.Response.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w: control response to download", errStream, ErrBadResponse)
	}

	h := f.Header
	if !c.cfg.SkipChunkCRC {
		// A header that fails its own CRC may have had a bad length
		// prefix, so nothing after it can be trusted.
		if err := h.Check(); err != nil {
			return nil, fmt.Errorf("%w: %w", errStream, err)
		}
	}
	if h.Offset != offset {
		return nil, fmt.Errorf("%w: got offset %d, asked for %d", errChunk, h.Offset, offset)
	}

	data := f.Payload
	if h.IsCompressed() {
		if data, err = codec.Decompress(f.Payload, codec.MaxChunkPayload); err != nil {
			return nil, fmt.Errorf("%w: %w", errChunk, err)
		}
	}
	if !c.cfg.SkipChunkCRC {
		if got := codec.CRC16(data); got != h.DataCRC {
			return nil, fmt.Errorf("%w: data CRC 0x%04X, header says 0x%04X", errChunk, got, h.DataCRC)
		}
	}
	if len(data) == 0 || offset+int64(len(data)) > t.artifact.Size {
		return nil, fmt.Errorf("%w: %d bytes at offset %d overrun image of %d bytes",
			errChunk, len(data), offset, t.artifact.Size)
	}
	return data, nil
}

// resync handles a failed exchange: a lost session is looked up again and
// a link fault leads to a reconnect. It returns nil once the transfer can
// go on.
func (c *Client) resync(ctx context.Context, t *transfer, err error) error {
	for err != nil {
		var te *TransferError
		switch {
		case errors.As(err, &te):
			return err
		case codec.IsCode(err, codec.CodeInvalidSession):
			err = c.recheck(t)
		case linkFault(err):
			err = c.reconnect(ctx, t, err)
		default:
			return err
		}
	}
	return nil
}

// reconnect re-establishes the link and rebinds the session to it.
func (c *Client) reconnect(ctx context.Context, t *transfer, cause error) error {
	c.log.Warn("link lost", "session_id", t.sessionID, "offset", t.stage.end(), "error", cause)
	_ = c.cfg.Link.Close()

	last := cause
	for {
		if t.failures >= c.cfg.MaxReconnectAttempts {
			return c.fail(ClassTransport, t.stage.end(),
				fmt.Errorf("giving up after %d reconnect attempts: %w", t.failures, last))
		}
		t.failures++
		if err := c.wait(ctx, c.backoff(t.failures)); err != nil {
			return c.fail(ClassCancelled, t.stage.end(), err)
		}

		c.log.Info("reconnecting", "attempt", t.failures, "offset", t.stage.end())
		if err := c.cfg.Link.Connect(ctx); err != nil {
			last = err
			continue
		}
		resp, err := c.roundTrip(codec.NewResumeRequest(c.cfg.DeviceID, t.sessionID))
		if err != nil {
			if linkFault(err) {
				_ = c.cfg.Link.Close()
				last = err
				continue
			}
			return err
		}
		if resp.LastOffset == nil {
			return fmt.Errorf("%w: resume without lastOffset", ErrBadResponse)
		}

		c.stats.Reconnects++
		if resp.ChunkSize > 0 {
			t.chunkSize = resp.ChunkSize
		}
		next := t.reconcile(*resp.LastOffset)
		c.log.Info("session resumed", "session_id", t.sessionID, "server_offset", *resp.LastOffset,
			"offset", next, "chunks", resp.DownloadedChunks, "total_chunks", resp.TotalChunks)
		return nil
	}
}

// recheck replaces a session the server no longer knows, as after a
// server restart. The staged bytes are kept if the image is unchanged.
func (c *Client) recheck(t *transfer) error {
	c.log.Info("session unknown to server, checking again", "session_id", t.sessionID)
	o, err := c.check()
	if err != nil {
		return err
	}
	if !t.sameImage(o) {
		return c.fail(ClassSession, t.stage.end(),
			fmt.Errorf("%w: staged %s, offered %s", ErrImageChanged, t.artifact.Version, o.artifact.Version))
	}
	next := t.rebind(o)
	c.stats.SessionID = o.sessionID
	c.log.Info("transfer rebound", "session_id", o.sessionID, "offset", next)
	return nil
}

// verify finishes the flash write, checks the image digest locally and
// then has the server confirm it.
func (c *Client) verify(ctx context.Context, t *transfer) error {
	size := t.artifact.Size
	if !t.finished {
		if err := c.cfg.Flash.Finish(); err != nil {
			if errors.Is(err, flash.ErrDigest) {
				return c.fail(ClassIntegrity, size, fmt.Errorf("%w: %w", ErrDigest, err))
			}
			return c.fail(ClassDevice, size, fmt.Errorf("finishing flash write: %w", err))
		}
		t.finished = true
	}

	sum := t.hasher.Sum()
	if !codec.EqualDigest(sum, t.want) {
		return c.fail(ClassIntegrity, size,
			fmt.Errorf("%w: %s %s, expected %s", ErrDigest, c.cfg.HashType, sum, t.want))
	}

	for {
		if c.dropped() {
			if err := c.resync(ctx, t, transport.ErrNotConnected); err != nil {
				return c.failure(err, size)
			}
			continue
		}
		resp, err := c.roundTrip(codec.NewVerifyRequest(c.cfg.DeviceID, t.sessionID, sum, c.cfg.HashType))
		if err == nil {
			if !resp.Verified {
				return c.fail(ClassProtocol, size, fmt.Errorf("%w: verify not confirmed", ErrBadResponse))
			}
			c.log.Info("image verified", "session_id", t.sessionID, "hash_type", c.cfg.HashType)
			return nil
		}
		if codec.IsCode(err, codec.CodeHashMismatch) {
			return c.fail(ClassIntegrity, size, err)
		}
		if err := c.resync(ctx, t, err); err != nil {
			return c.failure(err, size)
		}
	}
}
