package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gemini-hlsw/lch-sub000/internal/config"
	"github.com/gemini-hlsw/lch-sub000/internal/ephemeris"
	"github.com/gemini-hlsw/lch-sub000/internal/sky"
	"github.com/gemini-hlsw/lch-sub000/internal/visibility"
	"github.com/gemini-hlsw/lch-sub000/internal/window"
)

func main() {
	configPath := flag.String("config", "", "path to ltts.yaml (site and twilight)")
	date := flag.String("date", time.Now().Format("2006-01-02"), "local date the night starts on")
	frame := flag.String("frame", "radec", "coordinate frame: radec or azel")
	a := flag.Float64("a", 83.8221, "RA or azimuth, degrees")
	b := flag.Float64("b", -5.3911, "Dec or elevation, degrees")
	limit := flag.Float64("limit", 40, "laser elevation limit, degrees")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	site, err := cfg.SiteSpec()
	if err != nil {
		fmt.Println("ERROR site:", err)
		os.Exit(1)
	}
	tw, err := cfg.TwilightSpec()
	if err != nil {
		fmt.Println("ERROR twilight:", err)
		os.Exit(1)
	}
	f, err := sky.ParseFrame(*frame)
	if err != nil {
		fmt.Println("ERROR frame:", err)
		os.Exit(1)
	}
	day, err := time.ParseInLocation("2006-01-02", *date, site.Location)
	if err != nil {
		fmt.Println("ERROR date:", err)
		os.Exit(1)
	}

	night, err := visibility.NightBounds(site, day)
	if err != nil {
		fmt.Println("ERROR night bounds:", err)
		os.Exit(1)
	}
	fmt.Printf("Site %s (%.4f, %.4f, %.0fm) %s\n", site.Name, site.LatDeg, site.LonDeg, site.AltM, site.Location)
	fmt.Printf("Night:    %s\n", span(site, night))

	for _, t := range []ephemeris.Twilight{ephemeris.Civil, ephemeris.Nautical, ephemeris.Astronomical} {
		marker := " "
		if t == tw {
			marker = "*"
		}
		env, err := visibility.TwilightBounds(site, night, t)
		if err != nil {
			fmt.Printf("%s %-12s %v\n", marker, t, err)
			continue
		}
		fmt.Printf("%s %-12s %s\n", marker, t, span(site, env))
	}

	pos := sky.Coordinates{Frame: f, A: *a, B: *b}
	vis, err := visibility.NewCalculator(*limit).ForTarget(site, night, pos)
	if err != nil {
		fmt.Println("ERROR visibility:", err)
		os.Exit(1)
	}

	fmt.Printf("\nTarget %s, limit %.1f°\n", pos, *limit)
	if !vis.IsVisible() {
		fmt.Println("  never above the horizon")
		return
	}
	for _, w := range vis.VisibleIntervals() {
		fmt.Printf("  above horizon: %s\n", span(site, w))
	}
	for _, w := range vis.LimitIntervals() {
		fmt.Printf("  above limit:   %s\n", span(site, w))
	}
	fmt.Printf("  total %s above horizon, %s above limit\n", vis.Duration().Round(time.Minute), vis.LimitDuration().Round(time.Minute))
}

func span(site ephemeris.Site, w window.Window) string {
	return fmt.Sprintf("%s to %s (%s)",
		site.Local(w.Start).Format("2006-01-02 15:04"),
		site.Local(w.End).Format("2006-01-02 15:04"),
		w.Duration().Round(time.Minute))
}
