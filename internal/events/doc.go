// Package events アプリ内のイベントを購読者や外部ブローカーへ配る
package events
