// Package app デバイス層とキャプチャ、プレビュー、設定保存を組み合わせたコマンド窓口
//
// 責務:
//   - デバイス一覧と選択状態の管理 (state.Store)
//   - 選択に合わせたキャプチャの開始/停止
//   - コントロールの書き込みと保存、再接続時の再適用
//   - 定期的な再照合とメトリクス更新 (cron)
//
// HTTP層 (internal/server) はこのパッケージのメソッドだけを呼ぶ。
package app
