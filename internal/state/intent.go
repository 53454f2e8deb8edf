package state

import (
	"fmt"

	"mitsume/internal/camera"
)

// Intent はストアへの変更要求
// 実装はこのパッケージ内の Connect / Disconnect / Replace / Select に限られる
type Intent interface {
	apply(cur Snapshot) (Snapshot, error)
}

// Connect はデバイスを一覧に加える。既にあれば同じ位置で置き換える
type Connect struct {
	Device camera.DeviceDescriptor
}

func (i Connect) apply(cur Snapshot) (Snapshot, error) {
	next := cur.clone()
	if idx := next.Index(i.Device.ID); idx >= 0 {
		next.Devices[idx] = i.Device
		return next, nil
	}
	next.Devices = append(next.Devices, i.Device)
	return next, nil
}

// Disconnect はデバイスを一覧から外す
// 選択中だった場合は同じ位置、なければ一つ前のデバイスを選択し、どちらもなければ選択を解除する
type Disconnect struct {
	ID camera.DeviceID
}

func (i Disconnect) apply(cur Snapshot) (Snapshot, error) {
	idx := cur.Index(i.ID)
	if idx < 0 {
		return cur, nil
	}

	next := cur.clone()
	next.Devices = append(next.Devices[:idx], next.Devices[idx+1:]...)
	if cur.Selected == i.ID {
		next.Selected = neighbour(next.Devices, idx)
	}
	return next, nil
}

// Replace は列挙結果で一覧を置き換える
// 選択中のデバイスが残っていれば選択を保つ
type Replace struct {
	Devices []camera.DeviceDescriptor
}

func (i Replace) apply(cur Snapshot) (Snapshot, error) {
	next := Snapshot{
		Devices:  append([]camera.DeviceDescriptor(nil), i.Devices...),
		Selected: cur.Selected,
		Version:  cur.Version,
	}
	if cur.Selected != "" && next.Index(cur.Selected) < 0 {
		next.Selected = neighbour(next.Devices, cur.Index(cur.Selected))
	}
	return next, nil
}

// Select はデバイスを選択する。空のIDは選択を解除する
type Select struct {
	ID camera.DeviceID
}

func (i Select) apply(cur Snapshot) (Snapshot, error) {
	if i.ID != "" && cur.Index(i.ID) < 0 {
		return cur, fmt.Errorf("%w: %s", camera.ErrDeviceNotFound, i.ID)
	}
	next := cur.clone()
	next.Selected = i.ID
	return next, nil
}

// neighbour は削除位置 idx に対する選択先を返す
func neighbour(devices []camera.DeviceDescriptor, idx int) camera.DeviceID {
	switch {
	case idx < 0 || len(devices) == 0:
		return ""
	case idx < len(devices):
		return devices[idx].ID
	default:
		return devices[len(devices)-1].ID
	}
}
