// Package gallery 生成输出目录下的 index.html：按帧序列出所有已生成的帧。
package gallery

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/John-Robertt/mandelmovie/internal/infra/fsx"
)

// FileName 是图库页面的固定文件名。
const FileName = "index.html"

// Item 是图库中的一帧。File 为相对输出目录的文件名。
type Item struct {
	Index   int
	File    string
	Caption string
}

// Page 是生成 index.html 所需的全部数据。
type Page struct {
	Title string
	Meta  []string // 每条一行，显示在标题下方
	Movie string   // 影片文件名；为空则不显示链接
	Items []Item
}

// skeleton 中带 .proto 的 figure 是每一帧的原型：克隆、填充、追加，最后移除原型。
const skeleton = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title></title>
<style>
body { background: #111; color: #ddd; font-family: sans-serif; margin: 1.5em; }
ul.meta { list-style: none; padding: 0; color: #999; }
#frames { display: flex; flex-wrap: wrap; gap: 8px; }
figure.frame { margin: 0; width: 200px; }
figure.frame img { width: 200px; height: auto; display: block; image-rendering: pixelated; }
figure.frame figcaption { font-size: 12px; color: #aaa; }
a { color: #8cf; }
</style>
</head>
<body>
<h1></h1>
<ul class="meta"></ul>
<p class="movie"><a></a></p>
<div id="frames"><figure class="frame proto"><a><img loading="lazy"></a><figcaption></figcaption></figure></div>
</body>
</html>
`

// Build 渲染页面（不做任何写入）。
//
// 文本一律经 SetText/SetAttr 写入，文件名或标题里的特殊字符会被正确转义。
func Build(p Page) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(skeleton))
	if err != nil {
		return nil, fmt.Errorf("解析页面骨架失败：%w", err)
	}

	doc.Find("title").SetText(p.Title)
	doc.Find("h1").SetText(p.Title)

	meta := doc.Find("ul.meta")
	for _, line := range p.Meta {
		meta.AppendHtml("<li></li>")
		meta.Find("li").Last().SetText(line)
	}

	if strings.TrimSpace(p.Movie) == "" {
		doc.Find("p.movie").Remove()
	} else {
		doc.Find("p.movie a").SetAttr("href", p.Movie).SetText("影片：" + p.Movie)
	}

	frames := doc.Find("#frames")
	proto := frames.Find("figure.proto")
	for _, it := range p.Items {
		fig := proto.Clone()
		fig.RemoveClass("proto")
		fig.SetAttr("id", fmt.Sprintf("frame-%d", it.Index))
		fig.Find("a").SetAttr("href", it.File)
		fig.Find("img").SetAttr("src", it.File).SetAttr("alt", it.File)
		caption := it.Caption
		if caption == "" {
			caption = it.File
		}
		fig.Find("figcaption").SetText(caption)
		frames.AppendSelection(fig)
	}
	proto.Remove()

	html, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("渲染页面失败：%w", err)
	}
	return []byte(html), nil
}

// Write 把页面原子写入 dir/index.html，返回写入的绝对路径。
func Write(dir string, p Page) (string, error) {
	b, err := Build(p)
	if err != nil {
		return "", err
	}
	if err := fsx.WriteFileAtomic(dir, FileName, b); err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}
