package groundlayers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gridFilesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlayers_grid_files_opened_total",
		Help: "The total number of grid files opened for sampling",
	}, []string{"backend"})
	samplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlayers_samples_total",
		Help: "The total number of samples produced",
	}, []string{"backend"})
	noDataSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlayers_nodata_samples_total",
		Help: "The total number of samples that hit a no-data cell",
	}, []string{"backend"})
	outOfExtentSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "groundlayers_out_of_extent_samples_total",
		Help: "The total number of samples outside the grid extent",
	}, []string{"backend"})
	geoTIFFBlockCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groundlayers_geotiff_block_cache_hits_total",
		Help: "The total number of hits on the GeoTIFF block cache",
	})
	geoTIFFBlockCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groundlayers_geotiff_block_cache_misses_total",
		Help: "The total number of misses on the GeoTIFF block cache",
	})
	geoTIFFBlockCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "groundlayers_geotiff_block_cache_evictions_total",
		Help: "The total number of evictions from the GeoTIFF block cache",
	})
)
