// Package settings デバイスごとのコントロール値を保存する
//
// 書き込みはメモリ上で即座に反映し、静止期間を待ってからまとめてファイルへ保存する。
// 保存先は <UserConfigDir>/mitsume/cameras.json で、手で編集できるように整形して書く。
package settings
