package importer

import (
	"context"

	"github.com/evroon/web1090/internal/model"
)

// AirlineDirectory pages through an airline listing.
type AirlineDirectory interface {
	Airlines(ctx context.Context, fn func([]model.Airline) error) error
}

// AircraftDirectory pages through an aircraft listing.
type AircraftDirectory interface {
	Airplanes(ctx context.Context, fn func([]model.Aircraft) error) error
}

// Airlines imports every airline the directory lists.
func (i *Importer) Airlines(ctx context.Context, dir AirlineDirectory) (Stats, error) {
	p := i.begin("airlines")
	err := dir.Airlines(ctx, func(page []model.Airline) error {
		for _, a := range page {
			p.row()
			_, err := i.merger.MergeAirline(ctx, a)
			if err := p.merged(err); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return p.stats, err
	}
	return p.done(), nil
}

// Airplanes imports every aircraft the directory lists.
func (i *Importer) Airplanes(ctx context.Context, dir AircraftDirectory) (Stats, error) {
	p := i.begin("airplanes")
	err := dir.Airplanes(ctx, func(page []model.Aircraft) error {
		for _, a := range page {
			p.row()
			_, err := i.merger.MergeAircraft(ctx, a, "aviationstack")
			if err := p.merged(err); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return p.stats, err
	}
	return p.done(), nil
}
