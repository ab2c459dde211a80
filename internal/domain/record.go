package domain

import (
	"net/url"
	"strings"
	"time"
)

// 规范化后的属性名（attrs 的 key）。
// attrs 缺少某个 key 表示“未抓取到”（absent），与空字符串严格区分；
// 因此任何写入路径都不允许写入空字符串值。
const (
	AttrBrandName        = "brand_name"
	AttrSize             = "size"
	AttrAge              = "age"
	AttrProof            = "proof"
	AttrSupplier         = "supplier"
	AttrDistiller        = "distiller"
	AttrCategory         = "product_category"
	AttrRetailPrice      = "retail_price"
	AttrMxbPrice         = "mxb_price"
	AttrBottlesPerCase   = "bottles_per_case"
	AttrUPC              = "upc"
	AttrCaseCostLessBail = "case_cost_less_bailment"
	AttrEffectiveDate    = "effective_date"
)

// 图片解析状态（resolution_status）。只允许单调前进：
// unresolved -> {resolved_direct, resolved_fallback, exhausted_no_match}；
// exhausted 允许在后续 run 中被解析，resolved 不允许回退。
const (
	ResolutionUnresolved       = "unresolved"
	ResolutionResolvedDirect   = "resolved_direct"
	ResolutionResolvedFallback = "resolved_fallback"
	ResolutionExhausted        = "exhausted_no_match"
)

// ResolutionRank 返回状态的单调序（越大越“已解析”）。未知状态按 unresolved 处理。
func ResolutionRank(s string) int {
	switch s {
	case ResolutionResolvedDirect, ResolutionResolvedFallback:
		return 2
	case ResolutionExhausted:
		return 1
	default:
		return 0
	}
}

// image_reference 的三种语义状态。
const (
	ImageAbsent  = "absent"
	ImageValid   = "valid"
	ImageInvalid = "invalid"
)

// 已知无效的占位前缀：源系统没有真实图片时会写入 x-raw-image:/// 一类的伪 URL。
var sentinelPrefixes = []string{"x-raw-image", "x-image"}

// HasImageSentinel 判断引用是否带已知无效的占位前缀。
func HasImageSentinel(ref string) bool {
	low := strings.ToLower(strings.TrimSpace(ref))
	for _, p := range sentinelPrefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return false
}

// ImageState 把 image_reference 归类为 absent / valid / invalid。
//
// 规则：空串 => absent；占位前缀或非绝对 http(s) URL => invalid；其余 => valid。
func ImageState(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ImageAbsent
	}
	if HasImageSentinel(ref) {
		return ImageInvalid
	}
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ImageInvalid
	}
	return ImageValid
}

// ProductRecord 是 canonical 数据集中的一行。
//
// 约束：
// - Key 不可变；记录只由 merge 引擎写入（单写者）
// - Attrs 的缺失键表示 absent（见上方说明）
// - ImageRef 为空串表示 absent
type ProductRecord struct {
	Key Key

	// DetailURL 是该商品详情页的抓取地址（item_details_url）。
	DetailURL string

	Attrs       map[string]string
	ImageRef    string
	Resolution  string
	LastUpdated time.Time
}

// Clone 返回记录的深拷贝（Attrs 独立）。
func (r ProductRecord) Clone() ProductRecord {
	out := r
	if r.Attrs != nil {
		out.Attrs = make(map[string]string, len(r.Attrs))
		for k, v := range r.Attrs {
			out.Attrs[k] = v
		}
	}
	return out
}

// Attr 读取属性值；第二返回值区分 absent 与空值（空值按约束不应存在）。
func (r ProductRecord) Attr(name string) (string, bool) {
	if r.Attrs == nil {
		return "", false
	}
	v, ok := r.Attrs[name]
	return v, ok
}

// NeedsResolution 判断该记录是否需要进入图片解析链：
// 图片不可用（absent/invalid）且尚未 resolved。
// exhausted 的记录允许在新一轮 run 中重试。
func (r ProductRecord) NeedsResolution() bool {
	if ResolutionRank(r.Resolution) >= 2 {
		return false
	}
	return ImageState(r.ImageRef) != ImageValid
}
