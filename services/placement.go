package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"town-match-service/models"
)

// PlacementService selects a free tile for a new match's building on the
// shared world map. Selection is deterministic in (queueID, now, players,
// occupied set): a seeded start index plus a forward linear probe over the
// whole grid.
type PlacementService struct {
	DB *gorm.DB
}

func NewPlacementService(db *gorm.DB) *PlacementService {
	return &PlacementService{DB: db}
}

// Site is a chosen tile.
type Site struct {
	X int
	Y int
}

// placementSeed builds the deterministic probe seed.
func placementSeed(queueID string, now time.Time, playerIDs []string) string {
	ids := append([]string(nil), playerIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("%s:%d:%s", queueID, now.UnixMilli(), strings.Join(ids, "|"))
}

func seedIndex(seed string, cells int) int {
	h := fnv.New64a()
	h.Write([]byte(seed))
	return int(h.Sum64() % uint64(cells))
}

// SelectSite picks the building tile for a forming match. It probes forward
// from the seeded start index, wrapping around the grid exactly once, and
// skips tiles blocked by any object layer or by another match's building.
// A fully blocked grid is a hard failure: the world has no room left.
func (ps *PlacementService) SelectSite(tx *gorm.DB, worldID, queueID string, now time.Time, playerIDs []string) (Site, error) {
	var world models.WorldMap
	if err := tx.First(&world, "id = ?", worldID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Site{}, notFoundf("world map %s not found", worldID)
		}
		return Site{}, err
	}
	if world.Width <= 0 || world.Height <= 0 {
		return Site{}, invariantf("world map %s has invalid dimensions %dx%d", worldID, world.Width, world.Height)
	}

	blocked, err := decodeBlockedGrid(&world)
	if err != nil {
		return Site{}, err
	}

	var buildings []models.Building
	if err := tx.Where("world_id = ?", worldID).Find(&buildings).Error; err != nil {
		return Site{}, err
	}
	occupied := make(map[int]bool, len(buildings))
	for _, b := range buildings {
		occupied[b.Y*world.Width+b.X] = true
	}

	cells := world.Width * world.Height
	start := seedIndex(placementSeed(queueID, now, playerIDs), cells)
	for probe := 0; probe < cells; probe++ {
		idx := (start + probe) % cells
		if blocked[idx] || occupied[idx] {
			continue
		}
		return Site{X: idx % world.Width, Y: idx / world.Width}, nil
	}
	return Site{}, invariantf("world %s has no open tile for a new building", worldID)
}

// decodeBlockedGrid flattens the object layer stack into one blocked set.
// Any non-zero cell on any layer blocks placement.
func decodeBlockedGrid(world *models.WorldMap) ([]bool, error) {
	var layers [][][]int
	if len(world.ObjectLayers) > 0 {
		if err := json.Unmarshal(world.ObjectLayers, &layers); err != nil {
			return nil, invariantf("world map %s has malformed object layers: %v", world.ID, err)
		}
	}

	blocked := make([]bool, world.Width*world.Height)
	for li, layer := range layers {
		if len(layer) != world.Height {
			return nil, invariantf("world map %s layer %d has %d rows, want %d", world.ID, li, len(layer), world.Height)
		}
		for y, row := range layer {
			if len(row) != world.Width {
				return nil, invariantf("world map %s layer %d row %d has %d cells, want %d", world.ID, li, y, len(row), world.Width)
			}
			for x, cell := range row {
				if cell != 0 {
					blocked[y*world.Width+x] = true
				}
			}
		}
	}
	return blocked, nil
}
