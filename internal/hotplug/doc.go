// Package hotplug バックエンドの接続/切断通知を状態コンテナへ反映する
//
// 接続時は保存済みの設定を再適用し、切断時はそのデバイスのキャプチャを止める。
package hotplug
