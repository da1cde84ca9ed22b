package registry

// Default returns a Registry pre-populated with nine tables of the music
// practice schema described by spec.md §3. It is the registry every
// synctool command builds on; callers that add app-specific tables
// should still start from Default rather than an empty Registry so the
// dependency order of the built-in tables is preserved.
func Default() *Registry {
	r := New()

	// --- Reference data: no sync columns, no ownership, visible to all. ---
	r.Register(Table{
		Name:                "genre",
		PrimaryKey:          []string{"id"},
		SupportsIncremental: false,
		ChangeCategory:      CategoryReference,
		Ownership:           OwnershipNone,
		SyncOrder:           0,
	})
	r.Register(Table{
		Name:                "instrument",
		PrimaryKey:          []string{"id"},
		SupportsIncremental: false,
		ChangeCategory:      CategoryReference,
		Ownership:           OwnershipNone,
		SyncOrder:           0,
	})

	// --- User-owned top-level entities. ---
	r.Register(Table{
		Name:                "tune",
		PrimaryKey:          []string{"id"},
		BooleanColumns:      []string{"favorite"},
		SupportsIncremental: true,
		HasDeletedFlag:      true,
		ChangeCategory:      CategoryUserOwned,
		Ownership:           OwnershipDirect,
		OwnerColumn:         "private_for",
		SyncOrder:           10,
	})
	r.Register(Table{
		Name:                "playlist",
		PrimaryKey:          []string{"id"},
		SupportsIncremental: true,
		HasDeletedFlag:      true,
		ChangeCategory:      CategoryUserOwned,
		Ownership:           OwnershipDirect,
		OwnerColumn:         "user_ref",
		SyncOrder:           10,
	})
	r.Register(Table{
		Name:                "user_settings",
		PrimaryKey:          []string{"user_id"},
		SupportsIncremental: true,
		HasDeletedFlag:      false,
		ChangeCategory:      CategoryUserOwned,
		Ownership:           OwnershipDirect,
		OwnerColumn:         "user_id",
		SyncOrder:           10,
	})

	// --- Junction/association tables, owned transitively via playlist_ref. ---
	r.Register(Table{
		Name:                "playlist_tune",
		PrimaryKey:          []string{"playlist_ref", "tune_ref"},
		SupportsIncremental: true,
		HasDeletedFlag:      false,
		ChangeCategory:      CategoryJunction,
		Ownership:           OwnershipPlaylist,
		PlaylistRefColumn:   "playlist_ref",
		SyncOrder:           20,
	})

	// --- Soft-deletable, natural-unique-keyed practice record. ---
	r.Register(Table{
		Name:                "practice_record",
		PrimaryKey:          []string{"id"},
		UniqueKeys:          []string{"tune_ref", "playlist_ref", "practiced"},
		SupportsIncremental: true,
		HasDeletedFlag:      true,
		ChangeCategory:      CategoryUserOwned,
		Ownership:           OwnershipPlaylist,
		PlaylistRefColumn:   "playlist_ref",
		SyncOrder:           30,
	})

	r.Register(Table{
		Name:                "note",
		PrimaryKey:          []string{"id"},
		SupportsIncremental: true,
		HasDeletedFlag:      true,
		ChangeCategory:      CategoryUserOwned,
		Ownership:           OwnershipDirect,
		OwnerColumn:         "private_to_user",
		SyncOrder:           30,
	})

	// --- Composite-PK device/screen configuration; reference example from
	// spec.md §3 ("(user_id, screen_size, purpose, playlist_id)"). ---
	r.Register(Table{
		Name:                "screen_layout",
		PrimaryKey:          []string{"user_id", "screen_size", "purpose", "playlist_id"},
		SupportsIncremental: true,
		HasDeletedFlag:      false,
		ChangeCategory:      CategoryUserOwned,
		Ownership:           OwnershipDirect,
		OwnerColumn:         "user_id",
		SyncOrder:           30,
	})

	return r
}
