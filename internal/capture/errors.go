package capture

import "errors"

var (
	// ErrNoActiveSession はデバイスにキャプチャセッションがないことを表す
	ErrNoActiveSession = errors.New("このデバイスにはアクティブなプレビューがありません")
	// ErrNoFrame はまだフレームが届いていないことを表す
	ErrNoFrame = errors.New("フレームがまだありません")
	// ErrStopTimeout はセッションの停止待ちがタイムアウトしたことを表す
	ErrStopTimeout = errors.New("キャプチャの停止がタイムアウトしました")
	// ErrStartTimeout は起動後に最初のフレームが届かなかったことを表す
	ErrStartTimeout = errors.New("カメラからフレームが届きません")
)
