// Package camera 複数のデバイスファミリーを一つのデバイス層にまとめる
//
// # 責務
// - バックエンド (UVC / テザー接続 / 合成) ごとのデバイス列挙とコントロール操作
// - 名前空間付きデバイスIDによる所有バックエンドへの振り分け
// - ホットプラグの検出と差分通知
// - フレームストリームの生成
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 接続中のカメラを一覧したい
// - 明るさ・露出などのコントロールを読み書きしたい
// - カメラからJPEGフレームを受け取りたい
// - 実機なしで動作確認したい (DummyBackend / MockCanonSDK)
//
// # 仕様
// - Backend: デバイスファミリーごとの実装。パッケージ外からは実装できない
// - Router: 全バックエンドの列挙結果を連結し、IDの接頭辞が最も長く一致するバックエンドへ委譲する
// - UVCBackend: /dev/video* を走査し、sysfsのUSB属性から vid:pid:serial 形式のIDを作る
// - CanonBackend: SDK呼び出しをOSスレッドに固定したゴルーチンで直列化する
// - DummyBackend: "dummy:" 名前空間の合成カメラ
// - 列挙の失敗はバックエンド単位で隔離し、全体としては失敗しない
//
// # 前提要件
//   - v4l-utils: コントロールとフォーマットの取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: UVCカメラからのMJPEG取得に使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
