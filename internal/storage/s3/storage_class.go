package s3

import (
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
)

// S3 storage classes accepted in Config.StorageClass
const (
	ClassStandard          = "STANDARD"
	ClassStandardIA        = "STANDARD_IA"
	ClassOneZoneIA         = "ONEZONE_IA"
	ClassReducedRedundancy = "REDUCED_REDUNDANCY"
	ClassGlacierIR         = "GLACIER_IR"
	ClassIntelligent       = "INTELLIGENT_TIERING"
)

// Glacier and Deep Archive are absent: archived tiles cannot be read back synchronously.
var storageClasses = map[string]s3types.StorageClass{
	ClassStandard:          s3types.StorageClassStandard,
	ClassStandardIA:        s3types.StorageClassStandardIa,
	ClassOneZoneIA:         s3types.StorageClassOnezoneIa,
	ClassReducedRedundancy: s3types.StorageClassReducedRedundancy,
	ClassGlacierIR:         s3types.StorageClassGlacierIr,
	ClassIntelligent:       s3types.StorageClassIntelligentTiering,
}

// IsValidStorageClass reports whether class can be used for tile uploads
func IsValidStorageClass(class string) bool {
	_, ok := storageClasses[class]
	return ok
}

// convertStorageClass converts a configured class to the SDK type, defaulting to STANDARD
func convertStorageClass(class string) s3types.StorageClass {
	if sc, ok := storageClasses[class]; ok {
		return sc
	}
	return s3types.StorageClassStandard
}

// convertCargoShipStorageClass converts a configured class to CargoShip's storage class
func convertCargoShipStorageClass(class string) awsconfig.StorageClass {
	switch class {
	case ClassStandardIA:
		return awsconfig.StorageClassStandardIA
	case ClassOneZoneIA:
		return awsconfig.StorageClassOneZoneIA
	case ClassIntelligent:
		return awsconfig.StorageClassIntelligentTiering
	default:
		// CargoShip has no reduced-redundancy or instant-retrieval glacier class
		return awsconfig.StorageClassStandard
	}
}
