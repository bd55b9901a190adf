package classify

// topicEntry pairs a topic label with its keyword set. Tables are ordered
// slices rather than maps so classification output is deterministic.
type topicEntry struct {
	topic    string
	keywords []string
}

var topicTable = []topicEntry{
	{"technology", []string{
		"software", "technology", "computer", "programming", "code", "development",
		"api", "database", "server", "cloud", "ai", "artificial intelligence",
		"machine learning", "algorithm", "data", "analytics", "digital",
	}},
	{"business", []string{
		"business", "company", "corporate", "enterprise", "startup", "entrepreneur",
		"marketing", "sales", "revenue", "profit", "investment", "finance",
		"strategy", "management", "leadership", "market", "customer",
	}},
	{"ecommerce", []string{
		"shop", "buy", "purchase", "product", "cart", "checkout", "payment",
		"shipping", "delivery", "order", "price", "discount", "sale",
		"retail", "store", "marketplace", "amazon", "ebay",
	}},
	{"news", []string{
		"news", "breaking", "report", "journalist", "article", "story",
		"update", "latest", "headline", "media", "press", "newspaper",
		"magazine", "broadcast", "coverage",
	}},
	{"health", []string{
		"health", "medical", "doctor", "hospital", "medicine", "treatment",
		"patient", "disease", "symptoms", "diagnosis", "therapy", "wellness",
		"fitness", "nutrition", "diet", "exercise",
	}},
	{"education", []string{
		"education", "school", "university", "college", "student", "teacher",
		"course", "learning", "study", "academic", "research", "science",
		"knowledge", "training", "tutorial", "lesson",
	}},
	{"entertainment", []string{
		"movie", "film", "music", "game", "entertainment", "celebrity",
		"actor", "actress", "director", "album", "song", "concert",
		"theater", "show", "television", "streaming",
	}},
	{"sports", []string{
		"sports", "football", "basketball", "baseball", "soccer", "tennis",
		"golf", "hockey", "athlete", "team", "game", "match", "championship",
		"league", "tournament", "olympics",
	}},
	{"travel", []string{
		"travel", "vacation", "hotel", "flight", "destination", "tourism",
		"trip", "journey", "adventure", "booking", "resort", "restaurant",
		"attractions", "sightseeing", "guide",
	}},
	{"food", []string{
		"food", "recipe", "cooking", "restaurant", "cuisine", "dish",
		"meal", "ingredients", "chef", "kitchen", "dining", "menu",
		"taste", "flavor", "nutrition", "diet",
	}},
	{"lifestyle", []string{
		"lifestyle", "fashion", "beauty", "home", "family", "relationship",
		"parenting", "wedding", "personal", "advice", "tips", "guide",
		"culture", "society", "community",
	}},
	{"finance", []string{
		"finance", "money", "investment", "stock", "market", "trading",
		"banking", "loan", "credit", "debt", "insurance", "retirement",
		"savings", "budget", "economic", "currency",
	}},
}

// urlTable maps path or domain substrings to topics. A URL hit carries a
// flat confidence; at most one pattern per topic counts.
var urlTable = []topicEntry{
	{"ecommerce", []string{"/shop", "/buy", "/product", "/cart", "/checkout", "amazon.com", "ebay.com"}},
	{"news", []string{"/news", "/article", "/story", "cnn.com", "bbc.com", "reuters.com"}},
	{"technology", []string{"/tech", "/software", "/api", "/docs", "github.com", "stackoverflow.com"}},
	{"business", []string{"/business", "/company", "/corporate", "/enterprise"}},
	{"education", []string{"/education", "/course", "/learn", "/tutorial", "edu"}},
	{"entertainment", []string{"/entertainment", "/movie", "/music", "/game"}},
	{"sports", []string{"/sports", "/football", "/basketball", "espn.com"}},
	{"travel", []string{"/travel", "/hotel", "/flight", "/vacation", "booking.com"}},
	{"food", []string{"/food", "/recipe", "/restaurant", "/cooking"}},
	{"health", []string{"/health", "/medical", "/doctor", "/hospital"}},
}
