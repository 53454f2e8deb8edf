// Package server は、アプリケーションの操作をHTTPとWebSocketで公開します。
//
// 責務:
//   - REST APIのルーティングとエラーの変換
//   - API定義 (openapi.yaml) によるリクエスト検証
//   - イベントとプレビューフレームのWebSocket配信
//   - MJPEGストリームの配信
//   - グレースフルシャットダウン
//
// 仕様:
//   - ルーターはgin、WebSocketはgorilla/websocketを使用
//   - プレビューは受信確認 (ack) を受けてから次のフレームを送る
package server
