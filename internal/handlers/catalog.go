package handlers

import (
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// DefaultCatalog declares the entity types synchronized by the device.
// Reference data (users, campaigns, locations, basins) is pulled only.
func DefaultCatalog() []EntitySpec {
	return []EntitySpec{
		{EntityType: models.EntityParcel, Pull: true},
		{
			EntityType: models.EntityActor,
			Pull:       true,
			// Base actors before the groups that aggregate them.
			SubtypeRanks: map[string]int{
				models.ActorProducer:      1,
				models.ActorBuyer:         1,
				models.ActorProducerGroup: 2,
				models.ActorExporter:      2,
			},
			KindRanks: map[string]int{
				models.KindAttachProducerToGroup: 2,
				models.KindAttachBuyerToExporter: 2,
			},
		},
		{EntityType: models.EntityStore, Pull: true},
		{EntityType: models.EntityConvention, Pull: true},
		{EntityType: models.EntityCalendar, Pull: true},
		{EntityType: models.EntityProductTransfer, Pull: true},
		{EntityType: models.EntityTransaction, Pull: true},
		{EntityType: models.EntityUser, Pull: true},
		{EntityType: models.EntityCampaign, Pull: true},
		{EntityType: models.EntityLocation, Pull: true},
		{EntityType: models.EntityProductionBasin, Pull: true},
	}
}

// Build creates one handler per EntitySpec.
func Build(specs []EntitySpec, client Client, meta MetadataReader, sink Sink, logger *zerolog.Logger) ([]*RemoteHandler, error) {
	out := make([]*RemoteHandler, 0, len(specs))
	for _, spec := range specs {
		h, err := NewRemoteHandler(spec, client, meta, sink, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}
