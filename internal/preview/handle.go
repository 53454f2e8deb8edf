package preview

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync"
)

// Handle はデコード済みフレームの一時的な参照
// Release 後は使用しない
type Handle interface {
	Width() int
	Height() int
	Bytes() []byte
	Release()
}

// Decoder はフレームのバイト列からハンドルを作る
type Decoder interface {
	Decode(data []byte) (Handle, error)
}

// JPEGDecoder はJPEGのヘッダーを検証し、プールしたバッファにフレームを保持する
type JPEGDecoder struct {
	pool sync.Pool
}

// NewJPEGDecoder は新しいJPEGDecoderを作成する
func NewJPEGDecoder() *JPEGDecoder {
	return &JPEGDecoder{
		pool: sync.Pool{New: func() any {
			buf := make([]byte, 0, 256*1024)
			return &buf
		}},
	}
}

// Decode はJPEGの寸法を読み取ってハンドルを返す
func (d *JPEGDecoder) Decode(data []byte) (Handle, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("JPEGヘッダーを読み取れません: %w", err)
	}

	buf := d.pool.Get().(*[]byte)
	*buf = append((*buf)[:0], data...)
	return &JPEGHandle{width: cfg.Width, height: cfg.Height, buf: buf, pool: &d.pool}, nil
}

// JPEGHandle は JPEGDecoder が返すハンドル
type JPEGHandle struct {
	width  int
	height int
	buf    *[]byte
	pool   *sync.Pool
	once   sync.Once
}

// Width は幅を返す
func (h *JPEGHandle) Width() int { return h.width }

// Height は高さを返す
func (h *JPEGHandle) Height() int { return h.height }

// Bytes はJPEGデータを返す
func (h *JPEGHandle) Bytes() []byte { return *h.buf }

// Release はバッファをプールに戻す。何度呼んでもよい
func (h *JPEGHandle) Release() {
	h.once.Do(func() {
		h.pool.Put(h.buf)
	})
}
