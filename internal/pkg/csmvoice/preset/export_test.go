package preset

// DropSamples removes the samples table so sample inserts fail.
func DropSamples(s *GormStore) error {
	return s.db.Migrator().DropTable(&SampleModel{})
}
