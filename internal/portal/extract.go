// extract.go holds every assumption made about the portal's markup, the
// functions here are pure so they can be tested against saved pages.

package portal

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"consultwatch/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

// listing entries render their timestamp in one of these layouts, the year
// is left out for messages from the current year.
var (
	fullDateLayouts  = []string{"2 January 2006 15:04", "2 Jan 2006 15:04"}
	shortDateLayouts = []string{"2 January 15:04", "2 Jan 15:04"}
	queryDateLayouts = []string{"2006-01-02", "02-01-2006", "2006-01-02T15:04:05"}
)

var attachmentExtension = regexp.MustCompile(`(?i)\.(pdf|docx|doc|jpg|png)$`)

var welcomeGreeting = regexp.MustCompile(`(?i)welcome[\s,!]*(.*)`)

func queryId(u *url.URL) (int64, bool) {
	raw := u.Query().Get("id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// listingContainer finds the folder's container by exact id, css selectors
// are not used since ids may start with a digit.
func listingContainer(doc *goquery.Document, folder string) *goquery.Selection {
	return doc.Find("div[id]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		id, _ := s.Attr("id")
		return id == folder
	}).First()
}

// knownFolders lists the ids of every container holding a message list.
func knownFolders(doc *goquery.Document) []string {
	var out []string
	doc.Find("div[id]").Each(func(_ int, s *goquery.Selection) {
		if s.ChildrenFiltered("div.button-list").Length() == 0 {
			return
		}
		id, _ := s.Attr("id")
		out = append(out, id)
	})
	return out
}

// closestFolder suggests the known folder most similar to folder.
func closestFolder(folder string, known []string) string {
	best := ""
	bestScore := 0.0
	for _, k := range known {
		score := matchr.JaroWinkler(strings.ToLower(folder), strings.ToLower(k), false)
		if score > bestScore {
			best = k
			bestScore = score
		}
	}
	return best
}

// displayTimestamp splits a listing timestamp into its date and time parts
// and resolves it to an instant, When is zero when it cannot be resolved.
// Text in none of the known forms gives an empty date so the caller can fall
// back to the date in the link.
func displayTimestamp(text string, now time.Time) (date, clock string, when time.Time) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return "", "", time.Time{}
	}

	loc := now.Location()
	if strings.EqualFold(tokens[0], "today") {
		date = "Today"
		if len(tokens) > 1 {
			clock = tokens[1]
			parsed, err := time.ParseInLocation("15:04", clock, loc)
			if err == nil {
				when = time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
			}
		}
		return date, clock, when
	}

	switch {
	case len(tokens) >= 4:
		date = strings.Join(tokens[:3], " ")
		clock = tokens[3]
		for _, layout := range fullDateLayouts {
			parsed, err := time.ParseInLocation(layout, date+" "+clock, loc)
			if err == nil {
				when = parsed
				break
			}
		}
	case len(tokens) == 3:
		date = strings.Join(tokens[:2], " ") + " " + strconv.Itoa(now.Year())
		clock = tokens[2]
		for _, layout := range shortDateLayouts {
			parsed, err := time.ParseInLocation(layout, strings.Join(tokens[:2], " ")+" "+clock, loc)
			if err == nil {
				when = time.Date(now.Year(), parsed.Month(), parsed.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc)
				break
			}
		}
	}
	return date, clock, when
}

func queryDate(raw string, loc *time.Location) time.Time {
	for _, layout := range queryDateLayouts {
		parsed, err := time.ParseInLocation(layout, raw, loc)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// parseListing extracts the summaries of one folder. A missing container or
// list gives an empty result and names what was missing.
func parseListing(doc *goquery.Document, page *url.URL, folder string, now time.Time) ([]MessageSummary, []string) {
	container := listingContainer(doc, folder)
	if container.Length() == 0 {
		missing := "folder " + folder
		if suggestion := closestFolder(folder, knownFolders(doc)); suggestion != "" {
			missing += " (did you mean " + suggestion + "?)"
		}
		return []MessageSummary{}, []string{missing}
	}
	list := container.Find("div.button-list").First()
	if list.Length() == 0 {
		return []MessageSummary{}, []string{"list in folder " + folder}
	}

	var missing []string
	summaries := []MessageSummary{}
	list.Find("a[href]").Each(func(i int, entry *goquery.Selection) {
		href, _ := entry.Attr("href")
		link, err := url.Parse(htmlutil.Resolve(page, href))
		if err != nil {
			missing = append(missing, "link of entry "+strconv.Itoa(i))
			return
		}
		id, ok := queryId(link)
		if !ok {
			missing = append(missing, "id of entry "+strconv.Itoa(i))
			return
		}

		summary := MessageSummary{
			Id:       id,
			Url:      link.String(),
			Subject:  htmlutil.Text(entry.Find("strong")),
			Answered: strings.EqualFold(strings.TrimSpace(entry.AttrOr("data-reaction", "")), "true"),
			Folder:   folder,
		}

		rawDate := link.Query().Get("date")
		date, clock, when := displayTimestamp(htmlutil.Text(entry.Find("span")), now)
		switch {
		case date != "":
			summary.Date, summary.Time, summary.When = date, clock, when
		case rawDate != "":
			summary.Date = rawDate
			summary.When = queryDate(rawDate, now.Location())
		}

		summaries = append(summaries, summary)
	})
	return summaries, missing
}

// parseDetail extracts a message page, elements that are missing are left
// empty and named in the second return value.
func parseDetail(ctx context.Context, doc *goquery.Document, page *url.URL) (MessageDetail, []string) {
	var missing []string
	detail := MessageDetail{
		Url:         page.String(),
		Attachments: []Attachment{},
	}
	if id, ok := queryId(page); ok {
		detail.Id = id
	}

	doc.Find("p.small-spacer-bottom").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		text := htmlutil.Text(p)
		if !strings.HasPrefix(text, "Date:") {
			return true
		}
		detail.Date = strings.TrimSpace(strings.TrimPrefix(text, "Date:"))
		return false
	})
	if detail.Date == "" {
		missing = append(missing, "date")
	}

	subject := doc.Find("h1.no-spacer-bottom")
	if subject.Length() == 0 {
		subject = doc.Find("h1")
	}
	detail.Subject = htmlutil.Text(subject)
	if detail.Subject == "" {
		missing = append(missing, "subject")
	}

	detail.Question = htmlutil.Text(doc.Find(`div[data-speech="question"] div.content`))
	if detail.Question == "" {
		missing = append(missing, "question")
	}

	answer := doc.Find(`div[data-speech="answer"]`).First()
	if answer.Length() == 0 {
		missing = append(missing, "answer")
	} else {
		detail.Sender = htmlutil.Text(answer.Find("h2"))
		content := answer.Find("div.content")
		if content.Length() == 0 {
			content = answer.Find("div")
		}
		detail.Answer = htmlutil.Text(content)
		if detail.Answer == "" {
			missing = append(missing, "answer text")
		}
	}

	seen := map[string]bool{}
	for _, anchor := range htmlutil.GetAnchors(ctx, page, doc.Find("a[href]")) {
		if !attachmentExtension.MatchString(anchor.Href.Path) {
			continue
		}
		resolved := anchor.Href.String()
		if seen[resolved] {
			continue
		}
		seen[resolved] = true

		name := anchor.Name
		if name == "" {
			name = path.Base(anchor.Href.Path)
		}
		detail.Attachments = append(detail.Attachments, Attachment{Name: name, Url: resolved})
	}

	return detail, missing
}

// parseProfile extracts the greeting name and patient details from the
// settings page.
func parseProfile(doc *goquery.Document) (Profile, []string) {
	profile := Profile{Details: []string{}}
	var missing []string

	doc.Find("h1, h2").EachWithBreak(func(_ int, heading *goquery.Selection) bool {
		text := htmlutil.Text(heading)
		groups := welcomeGreeting.FindStringSubmatch(text)
		if groups == nil {
			return true
		}
		profile.Name = strings.TrimRight(groups[1], " !.")
		if profile.Name == "" {
			profile.Name = text
		}
		return false
	})
	if profile.Name == "" {
		missing = append(missing, "name")
	}

	seen := map[string]bool{}
	doc.Find(`div[class*="patient"], span[class*="patient"]`).Each(func(_ int, s *goquery.Selection) {
		text := htmlutil.Text(s)
		if len(text) <= 2 || seen[text] {
			return
		}
		seen[text] = true
		profile.Details = append(profile.Details, text)
	})
	if len(profile.Details) == 0 {
		missing = append(missing, "patient details")
	}

	return profile, missing
}
