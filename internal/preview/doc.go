// Package preview キャプチャセッションのフレームを表示側へ橋渡しする
//
// # 責務
// - 表示側の描画完了を合図にした取得ループ (Bridge)
// - フレームが届かない状態の検出と停止通知
// - デコード済みハンドルの寿命管理
//
// # 仕様
// - 開始から GracePeriod の間は失敗を数えない
// - 以降の連続失敗が FailureBudget に達したらループを止め、FatalFunc を一度だけ呼ぶ
// - 成功すると連続失敗数は0に戻る
// - 同じデバイスで再開始すると前のループは先に止まる
// - Bridge を止めてもキャプチャセッションは止まらない
package preview
