// Package render turns a recipe list into a page. It is the only place that
// looks inside recipe documents, and only to pick a few display fields.
package render

import (
	"encoding/json"
	"html/template"
	"io"

	"github.com/tidwall/gjson"

	"github.com/recipe-hub/recipe-hub/internal/recipes"
)

// Renderer 将菜谱列表写入 w。
type Renderer interface {
	ContentType() string
	Render(w io.Writer, list recipes.List) error
}

// JSONRenderer 原样输出菜谱数组。
type JSONRenderer struct{}

func (JSONRenderer) ContentType() string {
	return "application/json"
}

func (JSONRenderer) Render(w io.Writer, list recipes.List) error {
	if list == nil {
		list = recipes.List{}
	}
	return json.NewEncoder(w).Encode(list)
}

// HTMLRenderer 为每条菜谱输出一个 <recipe-card>，原始文档放在 data-recipe 属性中。
type HTMLRenderer struct {
	Title string
}

func (HTMLRenderer) ContentType() string {
	return "text/html; charset=utf-8"
}

// Card 是模板使用的卡片数据。
type Card struct {
	Name   string
	Image  string
	Author string
	Data   string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<main>
{{- range .Cards}}
<recipe-card data-recipe="{{.Data}}">
{{- if .Image}}<img src="{{.Image}}" alt="{{.Name}}">{{end}}
<p class="title">{{.Name}}</p>
{{- if .Author}}<p class="organization">{{.Author}}</p>{{end}}
</recipe-card>
{{- end}}
</main>
</body>
</html>
`))

func (r HTMLRenderer) Render(w io.Writer, list recipes.List) error {
	title := r.Title
	if title == "" {
		title = "Recipes"
	}
	cards := make([]Card, 0, len(list))
	for _, record := range list {
		cards = append(cards, CardFor(record))
	}
	return pageTemplate.Execute(w, struct {
		Title string
		Cards []Card
	}{Title: title, Cards: cards})
}

// CardFor 从菜谱文档中提取展示字段，兼容 schema.org Recipe 与 @graph 包装。
func CardFor(record recipes.Record) Card {
	doc := gjson.ParseBytes(record)
	doc.Get(`\@graph`).ForEach(func(_, node gjson.Result) bool {
		if isRecipe(node) {
			doc = node
			return false
		}
		return true
	})

	name := firstString(doc, "name", "headline", "title")
	if name == "" {
		name = "Untitled recipe"
	}
	return Card{
		Name:   name,
		Image:  firstString(doc, "image.url", "image.0.url", "image.0", "image", "thumbnailUrl"),
		Author: firstString(doc, "author.name", "author.0.name", "author", "publisher.name"),
		Data:   string(record),
	}
}

// isRecipe 判断 @type 是否为 Recipe，@type 可以是字符串或数组。
func isRecipe(node gjson.Result) bool {
	kind := node.Get(`\@type`)
	if kind.IsArray() {
		for _, item := range kind.Array() {
			if item.String() == "Recipe" {
				return true
			}
		}
		return false
	}
	return kind.String() == "Recipe"
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		value := doc.Get(p)
		if value.Type == gjson.String && value.Str != "" {
			return value.Str
		}
	}
	return ""
}
