package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/Tap30/beacon-go"
)

type demo struct {
	client *beacon.Client
	lines  <-chan string
	out    io.Writer

	propertyCounter int
}

func newDemo(client *beacon.Client, in io.Reader, out io.Writer) *demo {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()
	return &demo{client: client, lines: lines, out: out}
}

// run serves the menu until the user quits, input ends or ctx is done.
func (d *demo) run(ctx context.Context) error {
	for {
		d.showMenu()
		choice, ok := d.readInput(ctx, "Choose an option: ")
		if !ok {
			return nil
		}

		switch choice {
		case "1":
			d.trackVisit(ctx)
		case "2":
			d.trackInteraction(ctx)
		case "3":
			d.trackBatch(ctx)
		case "4":
			d.setProperty()
		case "5":
			d.viewProperties()
		case "6":
			d.setUserName(ctx)
		case "7":
			d.client.StartLiveTracking(ctx)
			d.printf("✅ Live tracking started\n\n")
		case "8":
			d.client.StopLiveTracking()
			d.printf("✅ Live tracking stopped\n\n")
		case "9":
			d.client.SetEnabled(!d.client.Enabled())
			d.printf("✅ Tracking enabled: %t\n\n", d.client.Enabled())
		case "10":
			d.client.RecordActivity()
			d.printf("✅ Activity recorded\n\n")
		case "11":
			d.client.Flush(ctx)
			d.printf("✅ Events flushed\n\n")
		case "12":
			d.showReports(ctx)
		case "13":
			d.printf("👋 Goodbye!\n")
			return nil
		default:
			d.printf("❌ Invalid option. Please try again.\n\n")
		}
	}
}

func (d *demo) showMenu() {
	d.printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	d.printf("📊 Tracking\n")
	d.printf("1. Track Visit\n")
	d.printf("2. Track Interaction\n")
	d.printf("3. Track Multiple Visits (Batch Test)\n")
	d.printf("\n🏷️  Properties and Identity\n")
	d.printf("4. Set Global Property\n")
	d.printf("5. View Global Properties\n")
	d.printf("6. Set User Name\n")
	d.printf("\n💓 Presence\n")
	d.printf("7. Start Live Tracking\n")
	d.printf("8. Stop Live Tracking\n")
	d.printf("9. Toggle Tracking\n")
	d.printf("10. Record Activity\n")
	d.printf("\n📦 Delivery and Reports\n")
	d.printf("11. Manual Flush\n")
	d.printf("12. Show Reports\n")
	d.printf("13. Exit\n")
	d.printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
}

func (d *demo) readInput(ctx context.Context, prompt string) (string, bool) {
	d.printf("%s", prompt)
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-d.lines:
		return line, ok
	}
}

func (d *demo) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(d.out, format, args...)
}

func (d *demo) trackVisit(ctx context.Context) {
	page, ok := d.readInput(ctx, "Page (e.g. /home): ")
	if !ok {
		return
	}
	d.client.RecordActivity()
	if err := d.client.TrackVisit(ctx, page, nil); err != nil {
		d.printf("❌ Error tracking visit: %v\n\n", err)
		return
	}
	d.printf("✅ Tracked visit: %s\n\n", page)
}

func (d *demo) trackInteraction(ctx context.Context) {
	target, ok := d.readInput(ctx, "Target (e.g. buy_button): ")
	if !ok {
		return
	}
	d.client.RecordActivity()
	if err := d.client.TrackInteraction(ctx, "click", target, nil); err != nil {
		d.printf("❌ Error tracking interaction: %v\n\n", err)
		return
	}
	d.printf("✅ Tracked click on: %s\n\n", target)
}

func (d *demo) trackBatch(ctx context.Context) {
	for i := 0; i < 10; i++ {
		if err := d.client.TrackVisit(ctx, fmt.Sprintf("/batch/%d", i), map[string]any{"index": i}); err != nil {
			d.printf("❌ Error tracking visit: %v\n\n", err)
			return
		}
	}
	d.printf("✅ Tracked 10 visits (a full queue flushes at once)\n\n")
}

func (d *demo) setProperty() {
	d.propertyCounter++
	key := fmt.Sprintf("key_%d", d.propertyCounter)
	value := fmt.Sprintf("value_%d", d.propertyCounter)
	if err := d.client.SetProperty(key, value); err != nil {
		d.printf("❌ Error setting property: %v\n\n", err)
		return
	}
	d.printf("✅ Global property set: %s = %s\n\n", key, value)
}

func (d *demo) viewProperties() {
	props := d.client.Properties()
	if len(props) == 0 {
		d.printf("(empty)\n\n")
		return
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.printf("  %s: %v\n", k, props[k])
	}
	d.printf("\n")
}

func (d *demo) setUserName(ctx context.Context) {
	name, ok := d.readInput(ctx, "User name: ")
	if !ok {
		return
	}
	if err := d.client.SetUserName(ctx, name); err != nil {
		d.printf("❌ Error setting user name: %v\n\n", err)
		return
	}
	d.printf("✅ User name set: %s\n\n", name)
}

func (d *demo) showReports(ctx context.Context) {
	reports := d.client.Reports()
	summary := reports.Summary(ctx)

	d.printf("\n👥 Live users: %s\n", humanize.Comma(int64(summary.LiveUsers)))

	d.printf("\n🔥 Popular interactions\n")
	if len(summary.Popular) == 0 {
		d.printf("  (none)\n")
	}
	for i, r := range summary.Popular {
		d.printf("  %s %s (%s)\n", humanize.Ordinal(i+1), r.Key, humanize.Comma(int64(r.Count)))
	}

	d.printf("\n📄 Page views\n")
	pages := reports.PageViews(ctx, 5)
	if len(pages) == 0 {
		d.printf("  (none)\n")
	}
	for _, r := range pages {
		d.printf("  %-20s %s\n", r.Key, humanize.Comma(int64(r.Count)))
	}

	d.printf("\n📅 Visits per day\n")
	for _, day := range summary.Daily {
		d.printf("  %s %s\n", day.Date, humanize.Comma(int64(day.Count)))
	}
	d.printf("\n")
}
