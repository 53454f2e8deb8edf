// Package capture デバイスごとのキャプチャセッションを管理する
//
// # 責務
// - バックエンドのフレームストリームを受信し、最新フレームを単一スロットに保持する
// - 起動監視 (最初のフレームが一定時間届かなければ failed)
// - fps・欠落率・遅延・帯域の計測
// - 低頻度のサムネイル生成
//
// # 仕様
// - 状態: idle → starting → running → stopping → stopped、starting/running から failed
// - 1デバイスにつきセッションは最大1つ (Manager)
// - Stop は何度呼んでもよく、停止待ちは StopTimeout で打ち切る
package capture
