// Package metrics キャプチャやバックエンドの状態をPrometheus形式で公開する
package metrics
