package capture

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// MakeThumbnail はJPEGを縮小して再エンコードする
func MakeThumbnail(data []byte, width, height, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("フレームのデコードに失敗: %w", err)
	}

	thumb := imaging.Fit(img, width, height, imaging.Box)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("サムネイルのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
