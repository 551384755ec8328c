package portal

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FormFields returns the name and value of every hidden input in doc,
// anti-forgery tokens included. Documents without hidden inputs give an empty
// map.
func FormFields(doc *goquery.Document) map[string]string {
	fields := map[string]string{}
	if doc == nil {
		return fields
	}
	doc.Find("input").Each(func(_ int, input *goquery.Selection) {
		kind, _ := input.Attr("type")
		if !strings.EqualFold(kind, "hidden") {
			return
		}
		name, ok := input.Attr("name")
		if !ok || name == "" {
			return
		}
		fields[name] = input.AttrOr("value", "")
	})
	return fields
}

// MergeFields returns a new map holding extracted overlaid with supplied,
// supplied keys win on collision.
func MergeFields(extracted, supplied map[string]string) map[string]string {
	out := make(map[string]string, len(extracted)+len(supplied))
	for k, v := range extracted {
		out[k] = v
	}
	for k, v := range supplied {
		out[k] = v
	}
	return out
}
