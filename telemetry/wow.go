package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/gr-butler/irrigation/moisturelog"
	logger "github.com/sirupsen/logrus"
)

/*

https://wow.metoffice.gov.uk/support/dataformats

 All uploads must contain 4 pieces of mandatory information plus at least 1 piece of weather data.

    Site ID - siteid
    Authentication Key - siteAuthenticationKey
    Date - dateutc, YYYY-mm-DD HH:mm:ss in UTC
    Software Type - softwaretype

KEY				Description						UNIT

soilmoisture 	% Moisture 						0-100 %

*/

const wowBaseUrl = "http://wow.metoffice.gov.uk/automaticreading?"

type wowData struct {
	SiteId       string `url:"siteid,omitempty"`
	AuthKey      string `url:"siteAuthenticationKey,omitempty"`
	DateString   string `url:"dateutc,omitempty"`
	SoftwareType string `url:"softwaretype,omitempty"`
	SoilMoisture uint8  `url:"soilmoisture"`
}

type WOWOpts struct {
	SiteID       string
	AuthKey      string
	SoftwareType string
	// FreqMin is the upload period in minutes, WOW takes one every 15.
	FreqMin int
}

// WOW uploads the latest soil moisture to the Met Office Weather
// Observations Website. It only keeps the most recent reading, Run does
// the sending.
type WOW struct {
	opts    WOWOpts
	baseUrl string
	client  *http.Client
	now     func() time.Time

	mu       sync.Mutex
	moisture uint8
	have     bool
}

func NewWOW(opts WOWOpts) *WOW {
	if opts.FreqMin <= 0 {
		opts.FreqMin = 15
	}
	if opts.SiteID == "" || opts.AuthKey == "" {
		logger.Error("SiteId and or pin not set! WOWSITEID and WOWPIN must be set.")
	}
	return &WOW{
		opts:    opts,
		baseUrl: wowBaseUrl,
		client:  &http.Client{Timeout: time.Second * 30},
		now:     time.Now,
	}
}

func (w *WOW) ReportMoisture(p uint8) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.moisture = p
	w.have = true
}

func (w *WOW) ReportWateringStatus(string)       {}
func (w *WOW) RaiseAlert(string)                 {}
func (w *WOW) ReportAutoWatering(bool)           {}
func (w *WOW) ReportHistory(moisturelog.History) {}

// Run sends on every minute divisible by FreqMin until ctx is done.
func (w *WOW) Run(ctx context.Context) {
	logger.Infof("WOW reporting every [%v] min", w.opts.FreqMin)
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-t.C:
			if tick.Minute()%w.opts.FreqMin != 0 {
				continue
			}
			if err := w.Upload(ctx); err != nil {
				logger.Errorf("Failed to send WOW data [%v]", err)
			}
		}
	}
}

// Upload sends the latest reading. Nothing is sent before the first one.
func (w *WOW) Upload(ctx context.Context) error {
	w.mu.Lock()
	p, ok := w.moisture, w.have
	w.mu.Unlock()
	if !ok {
		logger.Info("No moisture reading yet, WOW upload skipped")
		return nil
	}

	data := wowData{
		SiteId:  w.opts.SiteID,
		AuthKey: w.opts.AuthKey,
		// go magic date is Mon Jan 2 15:04:05 MST 2006
		DateString:   w.now().UTC().Format("2006-01-02 15:04:05"),
		SoftwareType: w.opts.SoftwareType,
		SoilMoisture: p,
	}
	vals, err := query.Values(data)
	if err != nil {
		return err
	}
	logger.Infof("Sending data to met office [%v]", vals)

	// Metoffice accepts a GET
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseUrl+vals.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wow upload: HTTP [%v]", resp.Status)
	}
	return nil
}
