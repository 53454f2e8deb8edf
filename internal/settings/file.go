package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"mitsume/internal/camera"
)

// ErrPersistenceIO は設定ファイルの読み書きに失敗したことを表す
var ErrPersistenceIO = errors.New("設定ファイルの読み書きに失敗しました")

// ErrCorruptFile は設定ファイルが壊れていたことを表す
// 元のファイルは .bak として退避済み
var ErrCorruptFile = errors.New("設定ファイルが壊れています")

// FileName は設定ファイルの名前
const FileName = "cameras.json"

// Record はデバイスごとの保存済み設定
type Record struct {
	DisplayName string           `json:"displayName"`
	Controls    map[string]int32 `json:"controls"`
}

func (r Record) clone() Record {
	out := Record{DisplayName: r.DisplayName, Controls: make(map[string]int32, len(r.Controls))}
	for k, v := range r.Controls {
		out.Controls[k] = v
	}
	return out
}

// ControlIDs はコントロールIDを昇順で返す
func (r Record) ControlIDs() []string {
	ids := make([]string, 0, len(r.Controls))
	for id := range r.Controls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// File は設定ファイル全体
type File struct {
	Cameras map[camera.DeviceID]Record `json:"cameras"`
}

func (f File) clone() File {
	out := File{Cameras: make(map[camera.DeviceID]Record, len(f.Cameras))}
	for id, r := range f.Cameras {
		out.Cameras[id] = r.clone()
	}
	return out
}

// ResetResult はデフォルト値に戻したコントロール
type ResetResult struct {
	ControlID string `json:"controlId"`
	Value     int32  `json:"value"`
}

// Persister は設定の永続化先
type Persister interface {
	Load() (File, error)
	Save(f File) error
}

const fileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["cameras"],
  "properties": {
    "cameras": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "displayName": {"type": "string"},
          "controls": {
            "type": "object",
            "additionalProperties": {"type": "integer", "minimum": -2147483648, "maximum": 2147483647}
          }
        }
      }
    }
  }
}`

// FilePersister はJSONファイルに設定を保存する
// 書き込みは一時ファイルへ書いてからリネームする
type FilePersister struct {
	path   string
	schema *jsonschema.Schema
	logger *slog.Logger
}

// DefaultPath はユーザー設定ディレクトリ配下の既定パスを返す
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("設定ディレクトリを取得できません: %w", err)
	}
	return filepath.Join(dir, "mitsume", FileName), nil
}

// NewFilePersister は新しいFilePersisterを作成する
func NewFilePersister(path string, logger *slog.Logger) (*FilePersister, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := jsonschema.CompileString("cameras.schema.json", fileSchema)
	if err != nil {
		return nil, fmt.Errorf("スキーマのコンパイルに失敗: %w", err)
	}
	return &FilePersister{
		path:   path,
		schema: schema,
		logger: logger.With("component", "settings"),
	}, nil
}

// Path は設定ファイルのパスを返す
func (p *FilePersister) Path() string {
	return p.path
}

// Load はファイルを読み込む
// ファイルがなければ空の設定を返す。壊れていれば .bak に退避し、空の設定と ErrCorruptFile を返す
func (p *FilePersister) Load() (File, error) {
	empty := File{Cameras: map[camera.DeviceID]Record{}}

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}

	if verr := p.validate(data); verr != nil {
		backup := p.path + ".bak"
		if err := os.Rename(p.path, backup); err != nil {
			return empty, fmt.Errorf("%w: 壊れた設定ファイルを退避できません: %v", ErrPersistenceIO, err)
		}
		p.logger.Warn("壊れた設定ファイルを退避しました", "path", p.path, "backup", backup, "error", verr)
		return empty, fmt.Errorf("%w: %v", ErrCorruptFile, verr)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if f.Cameras == nil {
		f.Cameras = map[camera.DeviceID]Record{}
	}
	for id, r := range f.Cameras {
		if r.Controls == nil {
			r.Controls = map[string]int32{}
			f.Cameras[id] = r
		}
	}
	return f, nil
}

func (p *FilePersister) validate(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return p.schema.Validate(raw)
}

// Save はファイルへ書き込む
func (p *FilePersister) Save(f File) error {
	if f.Cameras == nil {
		f.Cameras = map[camera.DeviceID]Record{}
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceIO, err)
	}
	return nil
}
