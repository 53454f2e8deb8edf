package camera

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// デバイス層のエラー分類
var (
	// ErrDeviceNotFound はどのバックエンドも所有していないデバイスIDを指す
	ErrDeviceNotFound = errors.New("デバイスが見つかりません")
	// ErrControlRejected はバックエンドまたはハードウェアが書き込みを拒否したことを表す
	ErrControlRejected = errors.New("コントロールの書き込みが拒否されました")
	// ErrBackendUnavailable は個別バックエンドの呼び出しが失敗したことを表す
	ErrBackendUnavailable = errors.New("バックエンドが利用できません")
	// ErrCaptureUnavailable はキャプチャを開始できない、または停止したことを表す
	ErrCaptureUnavailable = errors.New("キャプチャが利用できません")
	// ErrAmbiguousOwner は同じ長さの接頭辞で複数のバックエンドがIDを主張したことを表す
	ErrAmbiguousOwner = errors.New("デバイスIDを所有するバックエンドを一意に決められません")
)

// ControlRejectedError は拒否理由付きのコントロール書き込みエラー
type ControlRejectedError struct {
	DeviceID  DeviceID
	ControlID string
	Reason    string
}

// Error はエラーメッセージを返す
func (e *ControlRejectedError) Error() string {
	return fmt.Sprintf("コントロール %s の書き込みが拒否されました (%s): %s", e.ControlID, e.DeviceID, e.Reason)
}

// Is は errors.Is(err, ErrControlRejected) を成立させる
func (e *ControlRejectedError) Is(target error) bool {
	return target == ErrControlRejected
}

// RejectControl は ControlRejectedError を作成する
func RejectControl(id DeviceID, controlID, reason string) error {
	return &ControlRejectedError{DeviceID: id, ControlID: controlID, Reason: reason}
}

// NotSupported は未対応コントロールへの書き込みを拒否する
func NotSupported(id DeviceID, controlID string) error {
	return RejectControl(id, controlID, fmt.Sprintf("Control '%s' not supported on this device", controlID))
}

// ReadOnly は読み取り専用コントロールへの書き込みを拒否する
func ReadOnly(id DeviceID, controlID string) error {
	return RejectControl(id, controlID, fmt.Sprintf("Control '%s' is read-only", controlID))
}

func deviceNotFound(id DeviceID) error {
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// HumanizeError はよくある失敗をユーザー向けの文言に変換する
func HumanizeError(err error) string {
	if err == nil {
		return ""
	}

	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr):
		return fmt.Sprintf("必要なツールが見つかりません: %s", execErr.Name)
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES):
		return "カメラへのアクセス権限がありません (videoグループへの参加を確認してください)"
	case errors.Is(err, syscall.EBUSY):
		return "カメラは他のアプリケーションで使用中です"
	case errors.Is(err, ErrDeviceNotFound):
		return "カメラが見つかりません。接続を確認してください"
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "device or resource busy"):
		return "カメラは他のアプリケーションで使用中です"
	case strings.Contains(lower, "permission denied"):
		return "カメラへのアクセス権限がありません (videoグループへの参加を確認してください)"
	case strings.Contains(lower, "no such device"):
		return "カメラが切断されました"
	}
	return msg
}
