package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/infra/fsx"
)

// Store 提供 <path>/cache/pages/ 下详情页抓取结果的文件缓存读写。
// 命中缓存的 key 可以整个跳过网络抓取，重跑代价只剩搜索兜底。
//
// 约束：
// - dry-run：只允许读（ReadOnly=true）
// - apply：允许写（ReadOnly=false）
type Store struct {
	Root     string // <path>（数据根目录）
	ReadOnly bool
}

var ErrReadOnly = errors.New("cache: read-only")

func New(root string, readOnly bool) Store {
	return Store{
		Root:     filepath.Clean(strings.TrimSpace(root)),
		ReadOnly: readOnly,
	}
}

// PageHTMLPath 返回详情页 HTML 缓存的绝对路径。
func (s Store) PageHTMLPath(key domain.Key) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "cache", "pages", k+".html"), nil
}

// DetailsJSONPath 返回解析结果 JSON 缓存的绝对路径。
func (s Store) DetailsJSONPath(key domain.Key) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Root, "cache", "pages", k+".json"), nil
}

func (s Store) ReadPageHTML(key domain.Key) ([]byte, bool, error) {
	path, err := s.PageHTMLPath(key)
	if err != nil {
		return nil, false, err
	}
	return readFile(path)
}

func (s Store) ReadDetailsJSON(key domain.Key) ([]byte, bool, error) {
	path, err := s.DetailsJSONPath(key)
	if err != nil {
		return nil, false, err
	}
	return readFile(path)
}

func (s Store) WritePageHTML(key domain.Key, html []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.Root, "cache", "pages")
	return fsx.WriteFileAtomicReplace(dir, k+".html", html)
}

func (s Store) WriteDetailsJSON(key domain.Key, b []byte) error {
	if s.ReadOnly {
		return ErrReadOnly
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.Root, "cache", "pages")
	return fsx.WriteFileAtomicReplace(dir, k+".json", b)
}

func readFile(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

var keyFileRE = regexp.MustCompile(`^[0-9A-Za-z-]+$`)

func cleanKey(key domain.Key) (string, error) {
	k := strings.TrimSpace(string(key))
	if k == "" {
		return "", fmt.Errorf("key 不能为空")
	}
	// 最小约束：避免路径穿越；key 本身已经过 ParseKey 校验，这里不做更多“聪明”处理。
	if !keyFileRE.MatchString(k) {
		return "", fmt.Errorf("非法 key：%q", k)
	}
	return k, nil
}
