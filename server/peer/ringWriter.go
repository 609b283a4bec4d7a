package peer

import (
	"github.com/touka-aoi/rendezvous/core/buffer"
)

// RingWriter は送信待ちのデータを溜める。足りなければバッファを広げるので
// 書き込みが切り詰められることはない
type RingWriter struct {
	ring       *buffer.RingBuffer
	inflight   int
	closeAfter bool
}

func NewRingWriter(size int) *RingWriter {
	if size <= 0 {
		size = 4096
	}
	return &RingWriter{
		ring: buffer.NewRingBuffer(size),
	}
}

func (p *RingWriter) Write(b []byte) (int, error) {
	p.ring.Grow(len(b))
	return p.ring.Write(b)
}

// Acquire はまだ送信に出していないバイト列を返し、送信中として記録する
func (p *RingWriter) Acquire() []byte {
	if p.inflight > 0 || p.ring.Length() == 0 {
		return nil
	}
	out := p.ring.PeekOut()
	p.inflight = len(out)
	return out
}

// Complete は送信が終わった n バイトを捨てる。n が送信中のバイト数より
// 少なければ残りは次の Acquire で再送される
func (p *RingWriter) Complete(n int) {
	if n > p.inflight {
		n = p.inflight
	}
	if n > 0 {
		p.ring.Advance(n)
	}
	p.inflight = 0
}

// Abort は送信に失敗したときに溜まっているデータを捨てる
func (p *RingWriter) Abort() {
	p.ring.Reset()
	p.inflight = 0
}

func (p *RingWriter) InFlight() bool {
	return p.inflight > 0
}

func (p *RingWriter) Length() int {
	return p.ring.Length()
}

func (p *RingWriter) Drained() bool {
	return p.ring.Length() == 0 && p.inflight == 0
}

func (p *RingWriter) CloseAfterDrain() {
	p.closeAfter = true
}

func (p *RingWriter) ShouldClose() bool {
	return p.closeAfter && p.Drained()
}
