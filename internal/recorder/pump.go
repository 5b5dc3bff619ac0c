package recorder

import (
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"feedbackmic/internal/audio"
)

const readSize = 4096

// runContainerPump buffers encoded container bytes and flushes them as one
// chunk per interval. Buffering and forwarding happen on this goroutine so
// frames leave in capture order.
func (e *Engine) runContainerPump(a *attempt) {
	defer close(a.pumpDone)

	reads := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go readStream(a.session, reads, readErr)

	ticker := time.NewTicker(e.cfg.ChunkInterval)
	defer ticker.Stop()

	var pending []byte
	var chunks [][]byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		chunk := pending
		pending = nil
		chunks = append(chunks, chunk)
		e.forward(chunk)
	}

	for {
		select {
		case data, ok := <-reads:
			if !ok {
				flush()
				e.complete(a, func() ([]byte, error) {
					return bytes.Join(chunks, nil), nil
				}, <-readErr)
				return
			}
			pending = append(pending, data...)
		case <-ticker.C:
			flush()
		}
	}
}

// runFramePump reads fixed-size float32 frames, buffers them and forwards
// each one as 16-bit PCM.
func (e *Engine) runFramePump(a *attempt) {
	defer close(a.pumpDone)

	buf := make([]byte, e.cfg.FrameSize*4)
	var frames [][]float32
	for {
		n, err := io.ReadFull(a.session, buf)
		if n >= 4 {
			frame := audio.DecodeFloat32LE(buf[:n])
			frames = append(frames, frame)
			e.forward(audio.Int16Bytes(audio.FloatToInt16(frame)))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = nil
			}
			sampleRate := e.cfg.Audio.SampleRate
			e.complete(a, func() ([]byte, error) {
				return audio.EncodeFloatFramesWAV(frames, sampleRate)
			}, normalizeReadErr(err))
			return
		}
	}
}

func readStream(r io.Reader, out chan<- []byte, errs chan<- error) {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			out <- data
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			errs <- normalizeReadErr(err)
			close(out)
			return
		}
	}
}

// normalizeReadErr treats a reader closed by release as a clean end.
func normalizeReadErr(err error) error {
	if err == nil || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
