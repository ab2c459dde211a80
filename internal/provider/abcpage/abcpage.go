package abcpage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/datadevda1/abc-enrich/internal/domain"
	"github.com/datadevda1/abc-enrich/internal/infra/cache"
	"github.com/datadevda1/abc-enrich/internal/infra/httpx"
	"github.com/datadevda1/abc-enrich/internal/provider"
)

// DefaultBaseURL 是 ABC 站点的根地址（图片 src 是相对路径，需要据此补全）。
const DefaultBaseURL = "https://abc2.nc.gov"

// Strategy 实现详情页的抓取与 HTML 解析（direct-scrape）。
//
// 约束：
// - 网络策略（许可/限速/重试）全部由 httpx.Client 承担
// - Parse 必须是纯函数：相同输入 => 相同输出
// - 命中缓存的 key 不再打网络；缓存写入是 best-effort（失败不影响解析结果）
type Strategy struct {
	// BaseURL 允许在测试/镜像场景下替换站点根地址；为空时使用 DefaultBaseURL。
	BaseURL string

	Client *httpx.Client

	// Store 为空时禁用缓存。
	Store *cache.Store
}

func (Strategy) Name() string { return "abcpage" }

func (s Strategy) baseURL() string {
	u := strings.TrimSpace(s.BaseURL)
	if u == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(u, "/")
}

// Details 是详情页解析出的结构化结果（也是缓存 JSON 的形态）。
type Details struct {
	Attrs    map[string]string `json:"attrs"`
	ImageURL string            `json:"image_url"`
}

func (s Strategy) Resolve(ctx context.Context, req provider.Request) (provider.Result, error) {
	if s.Client == nil {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "fetch", Err: errors.New("httpx client 不能为空")}
	}
	if strings.TrimSpace(req.DetailURL) == "" {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "fetch", Err: errors.New("详情页地址为空")}
	}

	// 先尝试 cache（只读），命中则不再打网络。
	if s.Store != nil {
		if b, ok, err := s.Store.ReadDetailsJSON(req.Key); err == nil && ok {
			var d Details
			if e := json.Unmarshal(b, &d); e == nil {
				return s.result(d), nil
			}
			// 坏缓存：忽略，走网络（apply 会写回新缓存）。
		}
	}

	out := s.Client.FetchRetry(ctx, req.Key, req.DetailURL)
	if out.Status != httpx.StatusSuccess {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "fetch", Err: out.Err}
	}

	d, err := Parse(req.Key, out.Payload, s.baseURL())
	if err != nil {
		return provider.Result{}, &provider.Error{Strategy: s.Name(), Stage: "parse", Err: err}
	}

	if s.Store != nil && !s.Store.ReadOnly {
		_ = s.Store.WritePageHTML(req.Key, out.Payload)
		if b, e := json.Marshal(d); e == nil {
			_ = s.Store.WriteDetailsJSON(req.Key, b)
		}
	}
	return s.result(d), nil
}

// result 把 Details 折算为链路输出：占位/畸形的图片地址不算命中。
func (s Strategy) result(d Details) provider.Result {
	res := provider.Result{Attrs: d.Attrs}
	if domain.ImageState(d.ImageURL) == domain.ImageValid {
		res.ImageURL = d.ImageURL
	}
	return res
}

// 页面上的字段标签 -> 规范化属性名。
var labelAttrs = map[string]string{
	"Bottle Size":             domain.AttrSize,
	"Proof":                   domain.AttrProof,
	"Bottles per Case":        domain.AttrBottlesPerCase,
	"UPC":                     domain.AttrUPC,
	"Retail Price":            domain.AttrRetailPrice,
	"Mixed Beverage Price":    domain.AttrMxbPrice,
	"Case Cost Less Bailment": domain.AttrCaseCostLessBail,
	"Distiller":               domain.AttrDistiller,
}

// Parse 把详情页 HTML 解析为 Details。
//
// 页面形态（字段缺失 => absent，不是错误）：
// - 容器：div.container（style 带 min-height:70vh）；容器整个缺失 => 结构漂移，报 parse 错误
// - h3.mt-5.pt-3 文本形如 "<brand> Effective Date: <date>"
// - 字段行：div.row 内按行排布的 "标签:" / "值" 对（一行 2 或 4 段）
// - 图片：div.row（style 带 padding:15px）内的 img[src]，相对路径需按 baseURL 补全
func Parse(key domain.Key, html []byte, baseURL string) (Details, error) {
	if key == "" {
		return Details{}, errors.New("key 不能为空")
	}
	if len(html) == 0 {
		return Details{}, errors.New("html 为空")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return Details{}, err
	}

	cont := doc.Find(`div.container[style*='min-height:70vh']`).First()
	if cont.Length() == 0 {
		// 站点结构漂移：与“可选字段缺失”严格区分，必须显式失败。
		return Details{}, fmt.Errorf("未找到详情容器（div.container）；站点结构可能已变化")
	}

	attrs := make(map[string]string)

	// 品牌名 + 生效日期在同一个 h3 里。
	if h3 := normSpace(cont.Find("h3.mt-5.pt-3").First().Text()); h3 != "" {
		parts := strings.SplitN(h3, " Effective Date: ", 2)
		setAttr(attrs, domain.AttrBrandName, parts[0])
		if len(parts) == 2 {
			setAttr(attrs, domain.AttrEffectiveDate, parts[1])
		}
	}

	pageCode := ""
	cont.ChildrenFiltered("div.row").Each(func(_ int, row *goquery.Selection) {
		lines := nonEmptyLines(row.Text())
		switch len(lines) {
		case 4:
			setLabeled(attrs, lines[0], lines[1])
			setLabeled(attrs, lines[2], lines[3])
		case 2:
			setLabeled(attrs, lines[0], lines[1])
		}
		for i := 0; i+1 < len(lines); i += 2 {
			if strings.TrimSuffix(normSpace(lines[i]), ":") == "NC Code" {
				pageCode = normSpace(lines[i+1])
			}
		}
	})

	// 页面自带的 NC 代码必须与请求的 key 一致（规范化后比较）；
	// 不一致说明拿到了别的商品页，按结构错误处理。
	if pageCode != "" && domain.NormalizeNCCode(pageCode) != domain.NormalizeNCCode(string(key)) {
		return Details{}, fmt.Errorf("页面 NC 代码 %q 与请求 %q 不符", pageCode, key)
	}

	imageURL := ""
	if src, ok := doc.Find(`div.row[style*='padding:15px'] img`).First().Attr("src"); ok {
		imageURL = resolveURL(baseURL+"/", strings.TrimSpace(src))
	}

	return Details{Attrs: attrs, ImageURL: imageURL}, nil
}

// setLabeled 把一对 "标签:" / "值" 落到规范化属性名上；未知标签直接忽略。
func setLabeled(attrs map[string]string, label, value string) {
	label = strings.TrimSuffix(normSpace(label), ":")
	if name, ok := labelAttrs[label]; ok {
		setAttr(attrs, name, value)
	}
}

// setAttr 只写非空值：attrs 的缺失键表示 absent，不允许出现空字符串。
func setAttr(attrs map[string]string, name, value string) {
	value = normSpace(value)
	if value == "" {
		return
	}
	attrs[name] = value
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func resolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	ru, err := url.Parse(href)
	if err != nil {
		return href
	}
	return bu.ResolveReference(ru).String()
}

func normSpace(s string) string { return strings.Join(strings.Fields(s), " ") }
