// Package state デバイス一覧と選択状態を保持する
//
// 状態を書き換えるのは Run を実行する1つのゴルーチンだけで、
// 他のコンポーネントは Intent を Dispatch して変更を依頼する。
package state
