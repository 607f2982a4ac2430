package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/evroon/web1090/internal/model"
)

// OpenSkyURL is the OpenSky aircraft metadata dataset.
const OpenSkyURL = "https://opensky-network.org/datasets/metadata/aircraftDatabase.csv"

// openSkyRow is one row of aircraftDatabase.csv. Unlisted columns are ignored.
type openSkyRow struct {
	ICAO24          string `csv:"icao24"`
	Registration    string `csv:"registration"`
	TypeCode        string `csv:"typecode"`
	OperatorIATA    string `csv:"operatoriata"`
	Owner           string `csv:"owner"`
	Model           string `csv:"model"`
	LineNumber      string `csv:"linenumber"`
	Built           string `csv:"built"`
	Registered      string `csv:"registered"`
	FirstFlightDate string `csv:"firstflightdate"`
}

// OpenSky imports the OpenSky aircraft database CSV.
func (i *Importer) OpenSky(ctx context.Context, r io.Reader) (Stats, error) {
	p := i.begin("opensky")

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		return p.stats, fmt.Errorf("read opensky header: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return p.stats, err
		}

		var row openSkyRow
		err := dec.Decode(&row)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return p.stats, fmt.Errorf("decode opensky row %d: %w", p.stats.Rows+1, err)
		}
		p.row()

		icao := strings.ToUpper(strings.TrimSpace(row.ICAO24))
		if len(icao) != 6 {
			p.skip()
			continue
		}
		typeCode := strings.TrimSpace(row.TypeCode)
		_, err = i.merger.MergeAircraft(ctx, model.Aircraft{
			ICAO:             icao,
			Registration:     strings.TrimSpace(row.Registration),
			TypeCode:         typeCode,
			AirlineIATA:      strings.TrimSpace(row.OperatorIATA),
			Owner:            strings.TrimSpace(row.Owner),
			ModelName:        strings.TrimSpace(row.Model),
			ModelCode:        typeCode,
			ProductionLine:   strings.TrimSpace(row.LineNumber),
			DeliveryDate:     openSkyDate(row.Built),
			RegistrationDate: openSkyDate(row.Registered),
			FirstFlightDate:  openSkyDate(row.FirstFlightDate),
		}, "opensky")
		if err := p.merged(err); err != nil {
			return p.stats, err
		}
	}
	return p.done(), nil
}

// openSkyDate drops the truncated values the dataset uses for unknown dates.
func openSkyDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return ""
	}
	return s
}
